// Package tenant resolves which tenant a call or message belongs to from the
// signals the telephony and HTTP layers provide: API key, subdomain, incoming
// phone number or email recipient. The resolver is process-wide and safe for
// concurrent use.
package tenant

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/telfon-ai/telfon/internal/config"
	"github.com/telfon-ai/telfon/pkg/provider/lang"
)

// Tenant is the resolved policy bundle for a call.
type Tenant struct {
	ID           string
	Name         string
	SystemPrompt string
	Language     lang.Language
}

// Resolution reports how (and how confidently) a tenant was identified.
// Tenant is nil when Resolved is false.
type Resolution struct {
	Tenant     *Tenant
	Resolved   bool
	Method     string
	Confidence float64
	Message    string
}

// systemSubdomains are never tenant identifiers.
var systemSubdomains = map[string]bool{
	"www":       true,
	"api":       true,
	"app":       true,
	"dashboard": true,
	"admin":     true,
}

// Resolver maps resolution signals to tenants using tables built from
// configuration. Lookups hit pre-built indexes, so repeated resolution of the
// same signal costs a single map read.
type Resolver struct {
	mu            sync.RWMutex
	byID          map[string]*Tenant
	byAPIKey      map[string]*Tenant
	bySubdomain   map[string]*Tenant
	byNumber      map[string]*Tenant
	byEmail       map[string]*Tenant
	byEmailDomain map[string]*Tenant
	fallback      *Tenant
	log           *slog.Logger
}

// NewResolver builds a resolver from the tenants section of the configuration.
func NewResolver(cfg config.TenantsConfig, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{log: log}
	r.Reload(cfg)
	return r
}

// Reload replaces the resolution tables. Safe to call while lookups run.
func (r *Resolver) Reload(cfg config.TenantsConfig) {
	byID := make(map[string]*Tenant, len(cfg.Entries))
	byAPIKey := make(map[string]*Tenant)
	bySubdomain := make(map[string]*Tenant)
	byNumber := make(map[string]*Tenant)
	byEmail := make(map[string]*Tenant)
	byEmailDomain := make(map[string]*Tenant)

	for _, entry := range cfg.Entries {
		t := &Tenant{
			ID:           entry.ID,
			Name:         entry.Name,
			SystemPrompt: entry.SystemPrompt,
			Language:     parseLanguage(entry.Language),
		}
		byID[t.ID] = t
		for _, key := range entry.APIKeys {
			byAPIKey[key] = t
		}
		for _, sd := range entry.Subdomains {
			bySubdomain[strings.ToLower(sd)] = t
		}
		for _, num := range entry.Numbers {
			byNumber[NormalizePhone(num)] = t
		}
		for _, dom := range entry.EmailDomains {
			if strings.Contains(dom, "@") {
				byEmail[strings.ToLower(dom)] = t
			} else {
				byEmailDomain[strings.ToLower(dom)] = t
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = byID
	r.byAPIKey = byAPIKey
	r.bySubdomain = bySubdomain
	r.byNumber = byNumber
	r.byEmail = byEmail
	r.byEmailDomain = byEmailDomain
	r.fallback = byID[cfg.Fallback]
}

// Signals carries every identification hint available for one request.
// Unset fields are skipped.
type Signals struct {
	APIKey   string
	Hostname string
	Phone    string
	Email    string
}

// Resolve tries every provided signal in priority order (API key, subdomain,
// phone, email) and falls back to the configured default tenant.
func (r *Resolver) Resolve(sig Signals) Resolution {
	if sig.APIKey != "" {
		if res := r.ResolveAPIKey(sig.APIKey); res.Resolved {
			return res
		}
	}
	if sig.Hostname != "" {
		if res := r.ResolveSubdomain(sig.Hostname); res.Resolved {
			return res
		}
	}
	if sig.Phone != "" {
		if res := r.ResolvePhone(sig.Phone); res.Resolved {
			return res
		}
	}
	if sig.Email != "" {
		if res := r.ResolveEmail(sig.Email); res.Resolved {
			return res
		}
	}

	r.mu.RLock()
	fb := r.fallback
	r.mu.RUnlock()
	if fb != nil {
		return Resolution{
			Tenant:     fb,
			Resolved:   true,
			Method:     "fallback",
			Confidence: 0.5,
			Message:    "used fallback tenant: " + fb.Name,
		}
	}

	r.log.Warn("tenant resolution failed", "phone", sig.Phone, "hostname", sig.Hostname)
	return Resolution{Method: "none", Message: "could not resolve tenant from any signal"}
}

// ResolveAPIKey matches the key against every tenant's configured keys.
func (r *Resolver) ResolveAPIKey(key string) Resolution {
	r.mu.RLock()
	t := r.byAPIKey[key]
	r.mu.RUnlock()
	if t == nil {
		return Resolution{Method: "none", Message: "no tenant for API key"}
	}
	return Resolution{
		Tenant:     t,
		Resolved:   true,
		Method:     "api_key",
		Confidence: 1.0,
		Message:    "resolved from API key: " + t.Name,
	}
}

// ResolveSubdomain extracts the first hostname label and matches it against
// tenant subdomains. System subdomains like "www" or "api" never resolve.
func (r *Resolver) ResolveSubdomain(hostname string) Resolution {
	parts := strings.Split(strings.ToLower(hostname), ".")
	if len(parts) < 2 {
		return Resolution{Method: "invalid_hostname", Message: "invalid hostname: " + hostname}
	}
	sub := parts[0]
	if systemSubdomains[sub] {
		return Resolution{Method: "system_subdomain", Message: "system subdomain, not a tenant: " + sub}
	}

	r.mu.RLock()
	t := r.bySubdomain[sub]
	r.mu.RUnlock()
	if t == nil {
		return Resolution{Method: "none", Message: "no tenant for subdomain: " + sub}
	}
	return Resolution{
		Tenant:     t,
		Resolved:   true,
		Method:     "subdomain",
		Confidence: 1.0,
		Message:    "resolved from subdomain " + sub + ": " + t.Name,
	}
}

// ResolvePhone normalises the number to E.164 and matches it against tenant
// line assignments.
func (r *Resolver) ResolvePhone(number string) Resolution {
	normalized := NormalizePhone(number)

	r.mu.RLock()
	t := r.byNumber[normalized]
	r.mu.RUnlock()
	if t == nil {
		return Resolution{Method: "none", Message: "no tenant for number: " + normalized}
	}
	return Resolution{
		Tenant:     t,
		Resolved:   true,
		Method:     "phone",
		Confidence: 1.0,
		Message:    "resolved from number " + normalized + ": " + t.Name,
	}
}

// ResolveEmail matches the recipient address exactly first, then its domain.
func (r *Resolver) ResolveEmail(address string) Resolution {
	lower := strings.ToLower(address)

	r.mu.RLock()
	t := r.byEmail[lower]
	r.mu.RUnlock()
	if t != nil {
		return Resolution{
			Tenant:     t,
			Resolved:   true,
			Method:     "email_exact",
			Confidence: 1.0,
			Message:    "resolved from address " + lower + ": " + t.Name,
		}
	}

	at := strings.LastIndex(lower, "@")
	if at < 0 || at == len(lower)-1 {
		return Resolution{Method: "invalid_email", Message: "invalid address: " + address}
	}
	domain := lower[at+1:]

	r.mu.RLock()
	t = r.byEmailDomain[domain]
	r.mu.RUnlock()
	if t == nil {
		return Resolution{Method: "none", Message: "no tenant for domain: " + domain}
	}
	return Resolution{
		Tenant:     t,
		Resolved:   true,
		Method:     "email_domain",
		Confidence: 0.9,
		Message:    "resolved from domain " + domain + ": " + t.Name,
	}
}

// Get returns a tenant by id.
func (r *Resolver) Get(id string) (*Tenant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

// NormalizePhone reduces a phone number to E.164, assuming German national
// format for numbers without a country prefix.
func NormalizePhone(number string) string {
	var b strings.Builder
	for i, c := range number {
		if c >= '0' && c <= '9' || c == '+' && i == 0 {
			b.WriteRune(c)
		}
	}
	cleaned := b.String()

	switch {
	case strings.HasPrefix(cleaned, "+"):
		return cleaned
	case strings.HasPrefix(cleaned, "00"):
		return "+" + cleaned[2:]
	case strings.HasPrefix(cleaned, "0"):
		return "+49" + cleaned[1:]
	case strings.HasPrefix(cleaned, "49"):
		return "+" + cleaned
	default:
		return "+49" + cleaned
	}
}

func parseLanguage(s string) lang.Language {
	switch strings.ToLower(s) {
	case "de", "":
		return lang.German
	case "en":
		return lang.English
	case "ru":
		return lang.Russian
	case "tr":
		return lang.Turkish
	default:
		return lang.German
	}
}

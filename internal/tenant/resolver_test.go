package tenant

import (
	"testing"

	"github.com/telfon-ai/telfon/internal/config"
	"github.com/telfon-ai/telfon/pkg/provider/lang"
)

func testConfig() config.TenantsConfig {
	return config.TenantsConfig{
		Fallback: "praxis-weber",
		Entries: []config.TenantConfig{
			{
				ID:           "praxis-weber",
				Name:         "Praxis Dr. Weber",
				APIKeys:      []string{"key-weber-1"},
				Subdomains:   []string{"weber"},
				Numbers:      []string{"+49 711 234567"},
				EmailDomains: []string{"praxis-weber.de"},
				Language:     "de",
			},
			{
				ID:           "mueller-shk",
				Name:         "Müller SHK",
				APIKeys:      []string{"key-mueller-1", "key-mueller-2"},
				Subdomains:   []string{"mueller-shk"},
				Numbers:      []string{"0711 999888"},
				EmailDomains: []string{"info@mueller-shk.de", "mueller-shk.de"},
				Language:     "en",
			},
		},
	}
}

func TestResolver_APIKey(t *testing.T) {
	r := NewResolver(testConfig(), nil)

	res := r.ResolveAPIKey("key-mueller-2")
	if !res.Resolved || res.Tenant.ID != "mueller-shk" {
		t.Fatalf("resolution = %+v, want mueller-shk", res)
	}
	if res.Method != "api_key" || res.Confidence != 1.0 {
		t.Errorf("method = %q confidence = %v, want api_key 1.0", res.Method, res.Confidence)
	}

	if res := r.ResolveAPIKey("unknown-key"); res.Resolved {
		t.Errorf("unknown key resolved: %+v", res)
	}
}

func TestResolver_Subdomain(t *testing.T) {
	r := NewResolver(testConfig(), nil)

	tests := []struct {
		hostname string
		tenantID string
		method   string
	}{
		{"mueller-shk.telfon.de", "mueller-shk", "subdomain"},
		{"WEBER.telfon.de", "praxis-weber", "subdomain"},
		{"www.telfon.de", "", "system_subdomain"},
		{"api.telfon.de", "", "system_subdomain"},
		{"localhost", "", "invalid_hostname"},
		{"unknown.telfon.de", "", "none"},
	}

	for _, tt := range tests {
		res := r.ResolveSubdomain(tt.hostname)
		if res.Method != tt.method {
			t.Errorf("ResolveSubdomain(%q) method = %q, want %q", tt.hostname, res.Method, tt.method)
		}
		if tt.tenantID == "" {
			if res.Resolved {
				t.Errorf("ResolveSubdomain(%q) resolved unexpectedly", tt.hostname)
			}
			continue
		}
		if !res.Resolved || res.Tenant.ID != tt.tenantID {
			t.Errorf("ResolveSubdomain(%q) = %+v, want %s", tt.hostname, res, tt.tenantID)
		}
	}
}

func TestResolver_PhoneNormalisation(t *testing.T) {
	r := NewResolver(testConfig(), nil)

	// The entry is configured as "0711 999888" and must match every spelling.
	for _, number := range []string{"+49711999888", "0711 999888", "0711/999888", "49711999888", "0049711999888"} {
		res := r.ResolvePhone(number)
		if !res.Resolved || res.Tenant.ID != "mueller-shk" {
			t.Errorf("ResolvePhone(%q) = %+v, want mueller-shk", number, res)
		}
	}

	if res := r.ResolvePhone("+49 30 111111"); res.Resolved {
		t.Errorf("unknown number resolved: %+v", res)
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+49 711 234567", "+49711234567"},
		{"0711 234567", "+49711234567"},
		{"0049 711 234567", "+49711234567"},
		{"49711234567", "+49711234567"},
		{"711234567", "+49711234567"},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolver_Email(t *testing.T) {
	r := NewResolver(testConfig(), nil)

	res := r.ResolveEmail("Info@Mueller-SHK.de")
	if !res.Resolved || res.Method != "email_exact" || res.Confidence != 1.0 {
		t.Errorf("exact address = %+v, want email_exact 1.0", res)
	}

	res = r.ResolveEmail("termine@praxis-weber.de")
	if !res.Resolved || res.Method != "email_domain" || res.Confidence != 0.9 {
		t.Errorf("domain match = %+v, want email_domain 0.9", res)
	}
	if res.Tenant.ID != "praxis-weber" {
		t.Errorf("tenant = %q, want praxis-weber", res.Tenant.ID)
	}

	if res := r.ResolveEmail("not-an-address"); res.Method != "invalid_email" {
		t.Errorf("invalid address method = %q", res.Method)
	}
	if res := r.ResolveEmail("x@elsewhere.de"); res.Resolved {
		t.Errorf("unknown domain resolved: %+v", res)
	}
}

func TestResolver_PriorityOrder(t *testing.T) {
	r := NewResolver(testConfig(), nil)

	// The API key points at mueller-shk while the number belongs to weber.
	// The key wins.
	res := r.Resolve(Signals{APIKey: "key-mueller-1", Phone: "+49711234567"})
	if res.Tenant.ID != "mueller-shk" || res.Method != "api_key" {
		t.Errorf("resolution = %+v, want mueller-shk via api_key", res)
	}

	// An unknown key falls through to the next signal.
	res = r.Resolve(Signals{APIKey: "bogus", Phone: "+49711234567"})
	if res.Tenant.ID != "praxis-weber" || res.Method != "phone" {
		t.Errorf("resolution = %+v, want praxis-weber via phone", res)
	}
}

func TestResolver_Fallback(t *testing.T) {
	r := NewResolver(testConfig(), nil)

	res := r.Resolve(Signals{Phone: "+49 30 111111"})
	if !res.Resolved || res.Tenant.ID != "praxis-weber" {
		t.Fatalf("resolution = %+v, want fallback praxis-weber", res)
	}
	if res.Method != "fallback" || res.Confidence != 0.5 {
		t.Errorf("method = %q confidence = %v, want fallback 0.5", res.Method, res.Confidence)
	}
}

func TestResolver_NoFallbackConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Fallback = ""
	r := NewResolver(cfg, nil)

	res := r.Resolve(Signals{Phone: "+49 30 111111"})
	if res.Resolved || res.Method != "none" {
		t.Errorf("resolution = %+v, want unresolved none", res)
	}
}

func TestResolver_TenantLanguage(t *testing.T) {
	r := NewResolver(testConfig(), nil)

	tn, ok := r.Get("mueller-shk")
	if !ok {
		t.Fatal("tenant not found")
	}
	if tn.Language != lang.English {
		t.Errorf("language = %q, want en", tn.Language)
	}

	tn, _ = r.Get("praxis-weber")
	if tn.Language != lang.German {
		t.Errorf("language = %q, want de", tn.Language)
	}
}

func TestResolver_Reload(t *testing.T) {
	r := NewResolver(testConfig(), nil)

	cfg := config.TenantsConfig{Entries: []config.TenantConfig{
		{ID: "neu", Name: "Neue Praxis", Numbers: []string{"+49891234"}},
	}}
	r.Reload(cfg)

	if res := r.ResolvePhone("+49711234567"); res.Resolved {
		t.Errorf("stale entry survived reload: %+v", res)
	}
	if res := r.ResolvePhone("+49891234"); !res.Resolved || res.Tenant.ID != "neu" {
		t.Errorf("resolution = %+v, want neu", res)
	}
}

package ai

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/telfon-ai/telfon/internal/config"
	"github.com/telfon-ai/telfon/pkg/provider/lang"
	"github.com/telfon-ai/telfon/pkg/provider/stt"
	"github.com/telfon-ai/telfon/pkg/provider/stt/whisper"
	"github.com/telfon-ai/telfon/pkg/types"
)

// routerCacheSize bounds how many transcription models stay resident at once.
// A loaded whisper model holds multiple GiB, so dialect switches evict the
// least recently used one instead of accumulating.
const routerCacheSize = 2

// Router serves the transcription provider matching a caller's German dialect.
// Dialects sharing a model share the provider; loaded providers are kept in a
// small LRU cache and closed on eviction.
//
// Router is safe for concurrent use.
type Router struct {
	build func(model string) (stt.Provider, error)

	mu      sync.Mutex
	entries []routerEntry // most recently used first
}

type routerEntry struct {
	model    string
	provider stt.Provider
}

// NewRouter creates a Router that obtains providers from build. The build
// function receives the model identifier recommended for the dialect.
func NewRouter(build func(model string) (stt.Provider, error)) *Router {
	return &Router{build: build}
}

// ProviderFor returns a loaded transcription provider for the given dialect,
// building and loading one on first use.
func (r *Router) ProviderFor(ctx context.Context, dialect lang.Dialect) (stt.Provider, error) {
	model := lang.ModelForDialect(dialect)

	if p, ok := r.lookup(model); ok {
		return p, nil
	}

	p, err := r.build(model)
	if err != nil {
		return nil, fmt.Errorf("ai: build transcriber for %q: %w", model, err)
	}
	if err := p.Load(ctx); err != nil {
		if cerr := closeInner(p); cerr != nil {
			slog.Warn("closing unloaded transcriber", "model", model, "error", cerr)
		}
		return nil, fmt.Errorf("ai: load transcriber for %q: %w", model, err)
	}

	use, retired := r.insert(model, p)
	if retired != nil {
		if err := closeInner(retired); err != nil {
			slog.Warn("closing evicted transcriber", "error", err)
		}
	}
	return use, nil
}

// lookup returns the cached provider for model and marks it most recently used.
func (r *Router) lookup(model string) (stt.Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.model == model {
			copy(r.entries[1:i+1], r.entries[:i])
			r.entries[0] = e
			return e.provider, true
		}
	}
	return nil, false
}

// insert adds the provider at the front. It returns the provider to use and
// the one to close: the LRU victim, or p itself if another goroutine cached
// the same model concurrently.
func (r *Router) insert(model string, p stt.Provider) (use, retired stt.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.model == model {
			return e.provider, p
		}
	}

	r.entries = append([]routerEntry{{model: model, provider: p}}, r.entries...)
	if len(r.entries) > routerCacheSize {
		victim := r.entries[len(r.entries)-1]
		r.entries = r.entries[:len(r.entries)-1]
		slog.Info("evicting transcription model", "model", victim.model)
		return p, victim.provider
	}
	return p, nil
}

// CachedModels returns the resident model identifiers, most recently used first.
func (r *Router) CachedModels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.model
	}
	return out
}

// Close releases every cached provider.
func (r *Router) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	var first error
	for _, e := range entries {
		if err := closeInner(e.provider); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// routedSTT adapts a Router to the [stt.Provider] interface. The dialect
// function is consulted on every transcription, so a caller's detected
// dialect switches the model mid-call.
type routedSTT struct {
	router  *Router
	dialect func() lang.Dialect
}

// Routed wraps a Router as an [stt.Provider]. A nil dialect function pins
// standard German.
func Routed(r *Router, dialect func() lang.Dialect) stt.Provider {
	if dialect == nil {
		dialect = func() lang.Dialect { return lang.DialectStandard }
	}
	return &routedSTT{router: r, dialect: dialect}
}

var _ stt.Provider = (*routedSTT)(nil)

func (p *routedSTT) Load(ctx context.Context) error {
	_, err := p.router.ProviderFor(ctx, lang.DialectStandard)
	return err
}

func (p *routedSTT) Loaded() bool {
	inner, ok := p.router.lookup(lang.ModelForDialect(lang.DialectStandard))
	return ok && inner.Loaded()
}

func (p *routedSTT) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	inner, err := p.router.ProviderFor(ctx, p.dialect())
	if err != nil {
		return "", err
	}
	return inner.Transcribe(ctx, samples, sampleRate, language)
}

func (p *routedSTT) TranscribeWithInfo(ctx context.Context, samples []float32, sampleRate int, language string) (types.Transcript, error) {
	inner, err := p.router.ProviderFor(ctx, p.dialect())
	if err != nil {
		return types.Transcript{}, err
	}
	return inner.TranscribeWithInfo(ctx, samples, sampleRate, language)
}

func (p *routedSTT) Close() error { return p.router.Close() }

// STTRouter creates a dialect router backed by this factory's configuration.
// With local transcription each dialect gets its own whisper model from the
// model directory; with cloud transcription every dialect shares the hosted
// provider, which handles varieties itself.
func (f *Factory) STTRouter() *Router {
	if f.cfg.AI.Mode == config.ModeCloud {
		return NewRouter(func(string) (stt.Provider, error) { return f.STT() })
	}

	c := f.cfg.AI.STT
	var opts []whisper.Option
	if c.Language != "" {
		opts = append(opts, whisper.WithLanguage(c.Language))
	}
	return NewRouter(func(model string) (stt.Provider, error) {
		return whisper.New(ggmlPath(c.ModelDir, model), opts...), nil
	})
}

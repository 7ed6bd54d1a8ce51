package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/telfon-ai/telfon/internal/config"
	"github.com/telfon-ai/telfon/pkg/provider/lang"
	"github.com/telfon-ai/telfon/pkg/provider/stt"
	sttmock "github.com/telfon-ai/telfon/pkg/provider/stt/mock"
	"github.com/telfon-ai/telfon/pkg/provider/stt/whisper"
)

// closableSTT is a mock provider that records whether it was closed.
type closableSTT struct {
	*sttmock.Provider
	closed bool
}

func (p *closableSTT) Close() error {
	p.closed = true
	return nil
}

// testRouter returns a router whose build function counts constructions per
// model and keeps a handle on the last provider built for each.
func testRouter() (*Router, map[string]int, map[string]*closableSTT) {
	builds := map[string]int{}
	built := map[string]*closableSTT{}
	r := NewRouter(func(model string) (stt.Provider, error) {
		builds[model]++
		p := &closableSTT{Provider: &sttmock.Provider{}}
		built[model] = p
		return p, nil
	})
	return r, builds, built
}

func TestRouter_SharesProvidersByModel(t *testing.T) {
	r, builds, _ := testRouter()
	ctx := context.Background()

	p1, err := r.ProviderFor(ctx, lang.DialectStandard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, err := r.ProviderFor(ctx, lang.DialectStandard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p1 != p2 {
		t.Error("same dialect returned different providers")
	}
	if !p1.Loaded() {
		t.Error("provider not loaded")
	}

	// Bavarian and Low German share the general multilingual model.
	if _, err := r.ProviderFor(ctx, lang.DialectBavarian); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ProviderFor(ctx, lang.DialectLow); err != nil {
		t.Fatal(err)
	}

	if n := builds[lang.ModelForDialect(lang.DialectStandard)]; n != 1 {
		t.Errorf("standard model built %d times, want 1", n)
	}
	if n := builds[lang.ModelForDialect(lang.DialectBavarian)]; n != 1 {
		t.Errorf("multilingual model built %d times, want 1", n)
	}
	if got := len(r.CachedModels()); got != 2 {
		t.Errorf("cached models = %d, want 2", got)
	}
}

func TestRouter_EvictsLeastRecentlyUsed(t *testing.T) {
	r, builds, built := testRouter()
	ctx := context.Background()

	for _, d := range []lang.Dialect{lang.DialectStandard, lang.DialectAlemannic, lang.DialectBavarian} {
		if _, err := r.ProviderFor(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	standardModel := lang.ModelForDialect(lang.DialectStandard)
	if !built[standardModel].closed {
		t.Error("evicted standard model provider was not closed")
	}
	cached := r.CachedModels()
	if len(cached) != 2 || cached[0] != lang.ModelForDialect(lang.DialectBavarian) {
		t.Errorf("cached = %v, want bavarian model first", cached)
	}

	// The evicted model is rebuilt on demand.
	if _, err := r.ProviderFor(ctx, lang.DialectStandard); err != nil {
		t.Fatal(err)
	}
	if n := builds[standardModel]; n != 2 {
		t.Errorf("standard model built %d times, want 2", n)
	}
}

func TestRouter_BuildErrorPropagates(t *testing.T) {
	r := NewRouter(func(string) (stt.Provider, error) {
		return nil, errors.New("no such model")
	})
	if _, err := r.ProviderFor(context.Background(), lang.DialectStandard); err == nil {
		t.Error("expected error, got nil")
	}
	if got := len(r.CachedModels()); got != 0 {
		t.Errorf("cached models = %d, want 0", got)
	}
}

func TestRouter_LoadErrorNotCached(t *testing.T) {
	var p *closableSTT
	r := NewRouter(func(string) (stt.Provider, error) {
		p = &closableSTT{Provider: &sttmock.Provider{LoadErr: errors.New("model file missing")}}
		return p, nil
	})

	if _, err := r.ProviderFor(context.Background(), lang.DialectStandard); err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := len(r.CachedModels()); got != 0 {
		t.Errorf("cached models = %d, want 0", got)
	}
	if !p.closed {
		t.Error("provider that failed to load was not closed")
	}
}

func TestRouter_Close(t *testing.T) {
	r, _, built := testRouter()
	ctx := context.Background()
	if _, err := r.ProviderFor(ctx, lang.DialectStandard); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !built[lang.ModelForDialect(lang.DialectStandard)].closed {
		t.Error("Close did not close cached provider")
	}
	if got := len(r.CachedModels()); got != 0 {
		t.Errorf("cached models = %d, want 0 after Close", got)
	}
}

func TestFactorySTTRouter_LocalBuildsWhisperPerModel(t *testing.T) {
	f := NewFactory(testConfig(config.ModeLocal))
	r := f.STTRouter()

	p, err := r.build("openai/whisper-large-v3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*whisper.Provider); !ok {
		t.Errorf("provider type = %T, want *whisper.Provider", p)
	}
}

func TestRoutedSTT_SwitchesModelWithDialect(t *testing.T) {
	r, builds, built := testRouter()
	ctx := context.Background()

	dialect := lang.DialectStandard
	p := Routed(r, func() lang.Dialect { return dialect })

	if p.Loaded() {
		t.Error("Loaded() = true before Load")
	}
	if err := p.Load(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Loaded() {
		t.Error("Loaded() = false after Load")
	}

	built[lang.ModelForDialect(lang.DialectStandard)].Text = "standard"
	got, err := p.Transcribe(ctx, nil, 16000, "de")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "standard" {
		t.Errorf("text = %q, want %q", got, "standard")
	}

	dialect = lang.DialectAlemannic
	if _, err := p.Transcribe(ctx, nil, 16000, "de"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	std := lang.ModelForDialect(lang.DialectStandard)
	ale := lang.ModelForDialect(lang.DialectAlemannic)
	if builds[std] != 1 || builds[ale] != 1 {
		t.Errorf("builds = %v, want one per model", builds)
	}
}

func TestRoutedSTT_NilDialectPinsStandard(t *testing.T) {
	r, builds, _ := testRouter()
	p := Routed(r, nil)

	if _, err := p.Transcribe(context.Background(), nil, 16000, "de"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if builds[lang.ModelForDialect(lang.DialectStandard)] != 1 {
		t.Errorf("builds = %v, want the standard model only", builds)
	}
}

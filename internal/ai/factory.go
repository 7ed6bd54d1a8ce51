// Package ai assembles the speech-to-text, language-model, text-to-speech and
// voice-activity providers from configuration.
//
// The factory is lazy: each stage is built on first use and cached, so a
// server configured for cloud inference does not touch local model files and
// vice versa. Hosted backends are wrapped with per-call deadlines, retries and
// a named circuit breaker; with fallback_to_local enabled they are additionally
// chained in front of their on-premises counterpart.
package ai

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/telfon-ai/telfon/internal/config"
	"github.com/telfon-ai/telfon/internal/resilience"
	"github.com/telfon-ai/telfon/pkg/provider/lang"
	"github.com/telfon-ai/telfon/pkg/provider/llm"
	"github.com/telfon-ai/telfon/pkg/provider/llm/anyllm"
	"github.com/telfon-ai/telfon/pkg/provider/stt"
	sttopenai "github.com/telfon-ai/telfon/pkg/provider/stt/openai"
	"github.com/telfon-ai/telfon/pkg/provider/stt/whisper"
	"github.com/telfon-ai/telfon/pkg/provider/tts"
	"github.com/telfon-ai/telfon/pkg/provider/tts/elevenlabs"
	"github.com/telfon-ai/telfon/pkg/provider/tts/piper"
	"github.com/telfon-ai/telfon/pkg/provider/vad"
	"github.com/telfon-ai/telfon/pkg/provider/vad/energy"
	"github.com/telfon-ai/telfon/pkg/provider/vad/silero"
)

// Default backends and models per stage.
const (
	defaultCloudLLMProvider = "groq"
	defaultCloudLLMModel    = "llama-3.3-70b-versatile"
	defaultLocalLLMModel    = "llama3.2"
	defaultCloudSTTModel    = "whisper-1"
	defaultPiperURL         = "http://127.0.0.1:5000"
)

// Factory builds and caches one provider per stage.
//
// Factory is safe for concurrent use; concurrent first calls for the same
// stage build it once.
type Factory struct {
	cfg      *config.Config
	registry *resilience.Registry

	mu  sync.Mutex
	stt stt.Provider
	llm llm.Provider
	tts tts.Provider
	vad vad.Engine
}

// NewFactory creates a Factory for the given configuration. Circuit breakers
// for hosted backends live in the factory's own registry, inheriting the
// configured thresholds.
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{
		cfg:      cfg,
		registry: resilience.NewRegistry(breakerDefaults(cfg.Resilience.Breaker)),
	}
}

// Registry exposes the breaker registry for health reporting.
func (f *Factory) Registry() *resilience.Registry { return f.registry }

func breakerDefaults(b config.BreakerConfig) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		ResetTimeout:     b.ResetTimeout.Std(),
	}
}

func (f *Factory) retryPolicy() resilience.RetryPolicy {
	r := f.cfg.Resilience.Retry
	return resilience.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay.Std(),
		MaxDelay:    r.MaxDelay.Std(),
		Jitter:      r.Jitter,
	}
}

func (f *Factory) fallbackConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: breakerDefaults(f.cfg.Resilience.Breaker),
	}
}

// breakerName derives the registry key for a hosted backend, e.g. "groq_api".
func breakerName(provider, fallback string) string {
	if provider == "" {
		provider = fallback
	}
	return provider + "_api"
}

// STT returns the transcription provider for the configured mode, building it
// on first use.
func (f *Factory) STT() (stt.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stt != nil {
		return f.stt, nil
	}
	p, err := f.buildSTT()
	if err != nil {
		return nil, err
	}
	f.stt = p
	return p, nil
}

func (f *Factory) buildSTT() (stt.Provider, error) {
	if f.cfg.AI.Mode != config.ModeCloud {
		return f.buildLocalSTT(), nil
	}

	cloud, err := f.buildCloudSTT()
	if err != nil {
		if f.cfg.AI.FallbackToLocal {
			slog.Warn("cloud transcription unavailable, using local model", "error", err)
			return f.buildLocalSTT(), nil
		}
		return nil, err
	}
	if !f.cfg.AI.FallbackToLocal {
		return cloud, nil
	}

	return resilience.NewTranscriberChain(f.fallbackConfig(),
		resilience.STTBackend{Name: breakerName(f.cfg.AI.STT.Provider, "openai"), Provider: cloud},
		resilience.STTBackend{Name: "whisper_local", Provider: f.buildLocalSTT()},
	), nil
}

func (f *Factory) buildCloudSTT() (stt.Provider, error) {
	c := f.cfg.AI.STT
	model := c.Model
	if model == "" {
		model = defaultCloudSTTModel
	}
	p, err := sttopenai.New(c.APIKey, model)
	if err != nil {
		return nil, fmt.Errorf("ai: cloud stt: %w", err)
	}
	return &guardedSTT{
		inner:   &sttDeadline{inner: p, timeout: sttCallTimeout},
		breaker: f.registry.Breaker(breakerName(c.Provider, "openai")),
		retry:   f.retryPolicy(),
	}, nil
}

func (f *Factory) buildLocalSTT() stt.Provider {
	c := f.cfg.AI.STT
	var opts []whisper.Option
	if c.Language != "" {
		opts = append(opts, whisper.WithLanguage(c.Language))
	}
	return whisper.New(ggmlPath(c.ModelDir, c.Model), opts...)
}

// ggmlPath resolves a model reference to a GGML file. Hugging Face repo ids
// like "primeline/whisper-large-v3-german" map to "<dir>/<name>.bin"; absolute
// paths are used as-is.
func ggmlPath(dir, model string) string {
	if model == "" {
		model = lang.ModelForDialect(lang.DialectStandard)
	}
	if filepath.IsAbs(model) {
		return model
	}
	name := path.Base(model)
	if !strings.HasSuffix(name, ".bin") {
		name += ".bin"
	}
	return filepath.Join(dir, name)
}

// LLM returns the language model provider for the configured mode, building it
// on first use.
func (f *Factory) LLM() (llm.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.llm != nil {
		return f.llm, nil
	}
	p, err := f.buildLLM()
	if err != nil {
		return nil, err
	}
	f.llm = p
	return p, nil
}

func (f *Factory) buildLLM() (llm.Provider, error) {
	// Hybrid mode keeps speech processing local but still uses the hosted LLM.
	if f.cfg.AI.Mode == config.ModeLocal {
		return f.buildLocalLLM()
	}

	cloud, name, err := f.buildCloudLLM()
	if err != nil {
		if f.cfg.AI.FallbackToLocal {
			slog.Warn("cloud LLM unavailable, using local inference", "error", err)
			return f.buildLocalLLM()
		}
		return nil, err
	}
	if !f.cfg.AI.FallbackToLocal {
		return cloud, nil
	}

	backends := []resilience.LLMBackend{{Name: name, Provider: cloud}}
	local, err := f.buildLocalLLM()
	if err != nil {
		slog.Warn("local LLM fallback unavailable", "error", err)
	} else {
		backends = append(backends, resilience.LLMBackend{Name: "ollama_local", Provider: local})
	}
	return resilience.NewCompletionChain(f.fallbackConfig(), backends...), nil
}

func (f *Factory) buildCloudLLM() (llm.Provider, string, error) {
	c := f.cfg.AI.LLM
	providerName := c.Provider
	if providerName == "" {
		providerName = defaultCloudLLMProvider
	}
	model := c.Model
	if model == "" {
		model = defaultCloudLLMModel
	}

	var opts []anyllmlib.Option
	if c.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(c.APIKey))
	}
	if c.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
	}

	p, err := anyllm.New(providerName, model, opts...)
	if err != nil {
		return nil, "", fmt.Errorf("ai: cloud llm: %w", err)
	}
	name := breakerName(providerName, "")
	return &guardedLLM{
		inner:   &llmDeadline{inner: p, timeout: llmCallTimeout},
		breaker: f.registry.Breaker(name),
		retry:   f.retryPolicy(),
	}, name, nil
}

func (f *Factory) buildLocalLLM() (llm.Provider, error) {
	c := f.cfg.AI.LLM
	model := c.Model
	if model == "" || f.cfg.AI.Mode != config.ModeLocal {
		model = defaultLocalLLMModel
	}
	var opts []anyllmlib.Option
	if c.BaseURL != "" && f.cfg.AI.Mode == config.ModeLocal {
		opts = append(opts, anyllmlib.WithBaseURL(c.BaseURL))
	}
	p, err := anyllm.NewOllama(model, opts...)
	if err != nil {
		return nil, fmt.Errorf("ai: local llm: %w", err)
	}
	return p, nil
}

// TTS returns the synthesis provider for the configured mode, building it on
// first use.
func (f *Factory) TTS() (tts.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tts != nil {
		return f.tts, nil
	}
	p, err := f.buildTTS()
	if err != nil {
		return nil, err
	}
	f.tts = p
	return p, nil
}

func (f *Factory) buildTTS() (tts.Provider, error) {
	if f.cfg.AI.Mode != config.ModeCloud {
		return f.buildLocalTTS()
	}

	cloud, err := f.buildCloudTTS()
	if err != nil {
		if f.cfg.AI.FallbackToLocal {
			slog.Warn("cloud TTS unavailable, using local synthesis", "error", err)
			return f.buildLocalTTS()
		}
		return nil, err
	}
	if !f.cfg.AI.FallbackToLocal {
		return cloud, nil
	}

	backends := []resilience.TTSBackend{{Name: breakerName(f.cfg.AI.TTS.Provider, "elevenlabs"), Provider: cloud}}
	local, err := f.buildLocalTTS()
	if err != nil {
		slog.Warn("local TTS fallback unavailable", "error", err)
	} else {
		backends = append(backends, resilience.TTSBackend{Name: "piper_local", Provider: local})
	}
	return resilience.NewSynthesisChain(f.fallbackConfig(), backends...), nil
}

func (f *Factory) buildCloudTTS() (tts.Provider, error) {
	c := f.cfg.AI.TTS
	var opts []elevenlabs.Option
	if c.Voice != "" {
		opts = append(opts, elevenlabs.WithDefaultVoice(c.Voice))
	}
	p, err := elevenlabs.New(c.APIKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("ai: cloud tts: %w", err)
	}
	return &guardedTTS{
		inner:   &ttsDeadline{inner: p, timeout: ttsCallTimeout},
		breaker: f.registry.Breaker(breakerName(c.Provider, "elevenlabs")),
		retry:   f.retryPolicy(),
	}, nil
}

func (f *Factory) buildLocalTTS() (tts.Provider, error) {
	c := f.cfg.AI.TTS
	serverURL := c.ServerURL
	if serverURL == "" {
		serverURL = defaultPiperURL
	}
	var opts []piper.Option
	if f.cfg.AI.STT.Language != "" {
		opts = append(opts, piper.WithLanguage(f.cfg.AI.STT.Language))
	}
	p, err := piper.New(serverURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("ai: local tts: %w", err)
	}
	return p, nil
}

// VAD returns the voice activity engine, building it on first use.
func (f *Factory) VAD() (vad.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vad != nil {
		return f.vad, nil
	}

	c := f.cfg.AI.VAD
	switch c.Backend {
	case config.VADSilero:
		e, err := silero.New(c.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("ai: vad: %w", err)
		}
		f.vad = e
	case config.VADEnergy, "":
		f.vad = energy.New()
	default:
		return nil, fmt.Errorf("ai: unknown vad backend %q", c.Backend)
	}
	return f.vad, nil
}

// Close releases every cached provider that holds resources (local models,
// open connections). The factory can rebuild them afterwards.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	errs := []error{
		closeInner(f.stt),
		closeInner(f.llm),
		closeInner(f.tts),
	}
	f.stt, f.llm, f.tts, f.vad = nil, nil, nil, nil
	return errors.Join(errs...)
}

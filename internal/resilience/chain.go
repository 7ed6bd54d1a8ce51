package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/telfon-ai/telfon/pkg/provider/llm"
	"github.com/telfon-ai/telfon/pkg/provider/stt"
	"github.com/telfon-ai/telfon/pkg/provider/tts"
	"github.com/telfon-ai/telfon/pkg/types"
)

// STTBackend names one transcription backend of a [TranscriberChain].
type STTBackend struct {
	Name     string
	Provider stt.Provider
}

// TranscriberChain is an [stt.Provider] that fails over across transcription
// backends, typically a hosted model in front of a local whisper model. Each
// backend gets its own circuit breaker.
type TranscriberChain struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*TranscriberChain)(nil)

// NewTranscriberChain chains backends in failover order; the first is the
// preferred one.
func NewTranscriberChain(cfg FallbackConfig, backends ...STTBackend) *TranscriberChain {
	c := &TranscriberChain{group: &FallbackGroup[stt.Provider]{cfg: cfg}}
	for _, b := range backends {
		c.group.add(b.Name, b.Provider)
	}
	return c
}

// Load warms every backend so a failover does not land on a cold model.
// A backend that cannot load is logged and left to its circuit breaker; Load
// fails only when no backend loaded at all.
func (c *TranscriberChain) Load(ctx context.Context) error {
	if len(c.group.entries) == 0 {
		return errors.New("resilience: empty transcription chain")
	}
	var errs []error
	for i := range c.group.entries {
		e := &c.group.entries[i]
		if err := e.value.Load(ctx); err != nil {
			slog.Warn("transcription backend failed to load", "backend", e.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	if len(errs) == len(c.group.entries) {
		return fmt.Errorf("resilience: no transcription backend loaded: %w", errors.Join(errs...))
	}
	return nil
}

// Loaded reports whether at least one backend is ready to transcribe.
func (c *TranscriberChain) Loaded() bool {
	for i := range c.group.entries {
		if c.group.entries[i].value.Loaded() {
			return true
		}
	}
	return false
}

// Transcribe runs the utterance through the first healthy backend.
func (c *TranscriberChain) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	return ExecuteWithResult(c.group, func(p stt.Provider) (string, error) {
		return p.Transcribe(ctx, samples, sampleRate, language)
	})
}

// TranscribeWithInfo runs the utterance through the first healthy backend.
func (c *TranscriberChain) TranscribeWithInfo(ctx context.Context, samples []float32, sampleRate int, language string) (types.Transcript, error) {
	return ExecuteWithResult(c.group, func(p stt.Provider) (types.Transcript, error) {
		return p.TranscribeWithInfo(ctx, samples, sampleRate, language)
	})
}

// Close releases backends that hold resources, such as mapped local models.
func (c *TranscriberChain) Close() error {
	var errs []error
	for i := range c.group.entries {
		if cl, ok := c.group.entries[i].value.(interface{ Close() error }); ok {
			errs = append(errs, cl.Close())
		}
	}
	return errors.Join(errs...)
}

// LLMBackend names one completion backend of a [CompletionChain].
type LLMBackend struct {
	Name     string
	Provider llm.Provider
}

// CompletionChain is an [llm.Provider] that fails over across model backends,
// typically a hosted API in front of local inference.
type CompletionChain struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*CompletionChain)(nil)

// NewCompletionChain chains backends in failover order; the first is the
// preferred one.
func NewCompletionChain(cfg FallbackConfig, backends ...LLMBackend) *CompletionChain {
	c := &CompletionChain{group: &FallbackGroup[llm.Provider]{cfg: cfg}}
	for _, b := range backends {
		c.group.add(b.Name, b.Provider)
	}
	return c
}

// Complete asks the first healthy backend for a reply.
func (c *CompletionChain) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(c.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a token stream on the first healthy backend.
// Failover covers stream setup only; once tokens flow, mid-stream errors stay
// with the caller.
func (c *CompletionChain) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(c.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens estimates with the first backend whose counter works.
func (c *CompletionChain) CountTokens(messages []types.Message) (int, error) {
	return ExecuteWithResult(c.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities reports the preferred backend's capabilities. They are static
// metadata and do not fail over.
func (c *CompletionChain) Capabilities() types.ModelCapabilities {
	if len(c.group.entries) == 0 {
		return types.ModelCapabilities{}
	}
	return c.group.entries[0].value.Capabilities()
}

// TTSBackend names one synthesis backend of a [SynthesisChain].
type TTSBackend struct {
	Name     string
	Provider tts.Provider
}

// SynthesisChain is a [tts.Provider] that fails over across synthesis
// backends. Voice identifiers are provider-specific (an ElevenLabs voice id
// means nothing to a piper server), so requests served by a backend other
// than the preferred one are re-voiced with the stock voice for the same
// language.
type SynthesisChain struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*SynthesisChain)(nil)

// NewSynthesisChain chains backends in failover order; the first is the
// preferred one and the only one addressed with the caller's voice id.
func NewSynthesisChain(cfg FallbackConfig, backends ...TTSBackend) *SynthesisChain {
	c := &SynthesisChain{group: &FallbackGroup[tts.Provider]{cfg: cfg}}
	for _, b := range backends {
		c.group.add(b.Name, b.Provider)
	}
	return c
}

// Load warms every backend for the given language. A backend that cannot load
// is logged and left to its circuit breaker; Load fails only when no backend
// loaded at all.
func (c *SynthesisChain) Load(ctx context.Context, language string) error {
	if len(c.group.entries) == 0 {
		return errors.New("resilience: empty synthesis chain")
	}
	var errs []error
	for i := range c.group.entries {
		e := &c.group.entries[i]
		if err := e.value.Load(ctx, language); err != nil {
			slog.Warn("synthesis backend failed to load", "backend", e.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	if len(errs) == len(c.group.entries) {
		return fmt.Errorf("resilience: no synthesis backend loaded: %w", errors.Join(errs...))
	}
	return nil
}

// Loaded reports whether at least one backend is ready to synthesise.
func (c *SynthesisChain) Loaded() bool {
	for i := range c.group.entries {
		if c.group.entries[i].value.Loaded() {
			return true
		}
	}
	return false
}

// voiceFor returns the requested voice on the preferred backend and the stock
// voice for its language everywhere else.
func (c *SynthesisChain) voiceFor(i int, voice types.VoiceProfile) types.VoiceProfile {
	if i == 0 {
		return voice
	}
	return tts.VoiceForLanguage(voice.Language)
}

// Synthesize converts text to audio on the first healthy backend.
func (c *SynthesisChain) Synthesize(ctx context.Context, text string, voice types.VoiceProfile, format tts.Format) ([]byte, error) {
	return ExecuteIndexed(c.group, func(i int, p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, c.voiceFor(i, voice), format)
	})
}

// SynthesizeStream opens a streaming synthesis on the first healthy backend.
// Failover covers stream setup only; once audio flows, mid-stream errors stay
// with the caller.
func (c *SynthesisChain) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	return ExecuteIndexed(c.group, func(i int, p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, c.voiceFor(i, voice))
	})
}

// ListVoices lists the voices of the first healthy backend.
func (c *SynthesisChain) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(c.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

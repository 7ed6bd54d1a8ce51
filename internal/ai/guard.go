package ai

import (
	"context"

	"github.com/telfon-ai/telfon/internal/resilience"
	"github.com/telfon-ai/telfon/pkg/provider/llm"
	"github.com/telfon-ai/telfon/pkg/provider/stt"
	"github.com/telfon-ai/telfon/pkg/provider/tts"
	"github.com/telfon-ai/telfon/pkg/types"
)

// The guard wrappers put a shared circuit breaker around each hosted API and
// retry transient failures inside it. The breaker sits outside the retry so a
// fully retried-and-failed call counts as one failure, and an open breaker
// fails fast without burning the retry budget.

// guardedSTT wraps a hosted transcription backend.
type guardedSTT struct {
	inner   stt.Provider
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
}

var _ stt.Provider = (*guardedSTT)(nil)

func (g *guardedSTT) Load(ctx context.Context) error { return g.inner.Load(ctx) }

func (g *guardedSTT) Loaded() bool { return g.inner.Loaded() }

func (g *guardedSTT) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	var text string
	err := g.breaker.Execute(func() error {
		var err error
		text, err = resilience.RetryResult(ctx, g.retry, func(ctx context.Context) (string, error) {
			return g.inner.Transcribe(ctx, samples, sampleRate, language)
		})
		return err
	})
	return text, err
}

func (g *guardedSTT) TranscribeWithInfo(ctx context.Context, samples []float32, sampleRate int, language string) (types.Transcript, error) {
	var t types.Transcript
	err := g.breaker.Execute(func() error {
		var err error
		t, err = resilience.RetryResult(ctx, g.retry, func(ctx context.Context) (types.Transcript, error) {
			return g.inner.TranscribeWithInfo(ctx, samples, sampleRate, language)
		})
		return err
	})
	return t, err
}

func (g *guardedSTT) Close() error { return closeInner(g.inner) }

// guardedLLM wraps a hosted language model backend.
type guardedLLM struct {
	inner   llm.Provider
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
}

var _ llm.Provider = (*guardedLLM)(nil)

func (g *guardedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var resp *llm.CompletionResponse
	err := g.breaker.Execute(func() error {
		var err error
		resp, err = resilience.RetryResult(ctx, g.retry, func(ctx context.Context) (*llm.CompletionResponse, error) {
			return g.inner.Complete(ctx, req)
		})
		return err
	})
	return resp, err
}

// StreamCompletion guards the stream start only; once chunks flow, mid-stream
// errors reach the caller unwrapped. A failed start leaves no stream behind,
// so retrying it is safe.
func (g *guardedLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	var ch <-chan llm.Chunk
	err := g.breaker.Execute(func() error {
		var err error
		ch, err = resilience.RetryResult(ctx, g.retry, func(ctx context.Context) (<-chan llm.Chunk, error) {
			return g.inner.StreamCompletion(ctx, req)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (g *guardedLLM) CountTokens(messages []types.Message) (int, error) {
	return g.inner.CountTokens(messages)
}

func (g *guardedLLM) Capabilities() types.ModelCapabilities {
	return g.inner.Capabilities()
}

func (g *guardedLLM) Close() error { return closeInner(g.inner) }

// guardedTTS wraps a hosted synthesis backend.
type guardedTTS struct {
	inner   tts.Provider
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
}

var _ tts.Provider = (*guardedTTS)(nil)

func (g *guardedTTS) Load(ctx context.Context, language string) error {
	return g.inner.Load(ctx, language)
}

func (g *guardedTTS) Loaded() bool { return g.inner.Loaded() }

func (g *guardedTTS) Synthesize(ctx context.Context, text string, voice types.VoiceProfile, format tts.Format) ([]byte, error) {
	var audio []byte
	err := g.breaker.Execute(func() error {
		var err error
		audio, err = resilience.RetryResult(ctx, g.retry, func(ctx context.Context) ([]byte, error) {
			return g.inner.Synthesize(ctx, text, voice, format)
		})
		return err
	})
	return audio, err
}

// SynthesizeStream is not retried: a failed attempt may already have consumed
// fragments from the text channel, and replaying them is not possible.
func (g *guardedTTS) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	var ch <-chan []byte
	err := g.breaker.Execute(func() error {
		var err error
		ch, err = g.inner.SynthesizeStream(ctx, text, voice)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (g *guardedTTS) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	var voices []types.VoiceProfile
	err := g.breaker.Execute(func() error {
		var err error
		voices, err = resilience.RetryResult(ctx, g.retry, func(ctx context.Context) ([]types.VoiceProfile, error) {
			return g.inner.ListVoices(ctx)
		})
		return err
	})
	return voices, err
}

func (g *guardedTTS) Close() error { return closeInner(g.inner) }

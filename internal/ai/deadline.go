package ai

import (
	"context"
	"io"
	"time"

	"github.com/telfon-ai/telfon/pkg/provider/llm"
	"github.com/telfon-ai/telfon/pkg/provider/stt"
	"github.com/telfon-ai/telfon/pkg/provider/tts"
	"github.com/telfon-ai/telfon/pkg/types"
)

// Per-call deadlines for hosted providers. A caller waiting on the line gives
// up long before these elapse; they exist so a stuck upstream cannot pin a
// call goroutine forever.
const (
	llmCallTimeout = 30 * time.Second
	sttCallTimeout = 15 * time.Second
	ttsCallTimeout = 15 * time.Second
)

// closeInner closes v if it exposes a Close method.
func closeInner(v any) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// sttDeadline bounds every transcription call with a timeout.
type sttDeadline struct {
	inner   stt.Provider
	timeout time.Duration
}

var _ stt.Provider = (*sttDeadline)(nil)

func (p *sttDeadline) Load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.inner.Load(ctx)
}

func (p *sttDeadline) Loaded() bool { return p.inner.Loaded() }

func (p *sttDeadline) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.inner.Transcribe(ctx, samples, sampleRate, language)
}

func (p *sttDeadline) TranscribeWithInfo(ctx context.Context, samples []float32, sampleRate int, language string) (types.Transcript, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.inner.TranscribeWithInfo(ctx, samples, sampleRate, language)
}

func (p *sttDeadline) Close() error { return closeInner(p.inner) }

// llmDeadline bounds every completion with a timeout. For streams the timeout
// covers the whole generation, not just the connection attempt.
type llmDeadline struct {
	inner   llm.Provider
	timeout time.Duration
}

var _ llm.Provider = (*llmDeadline)(nil)

func (p *llmDeadline) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.inner.Complete(ctx, req)
}

func (p *llmDeadline) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	sctx, cancel := context.WithTimeout(ctx, p.timeout)
	inner, err := p.inner.StreamCompletion(sctx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	// The timed context must stay alive until the stream drains.
	out := make(chan llm.Chunk)
	go func() {
		defer cancel()
		defer close(out)
		for chunk := range inner {
			select {
			case out <- chunk:
			case <-sctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *llmDeadline) CountTokens(messages []types.Message) (int, error) {
	return p.inner.CountTokens(messages)
}

func (p *llmDeadline) Capabilities() types.ModelCapabilities {
	return p.inner.Capabilities()
}

func (p *llmDeadline) Close() error { return closeInner(p.inner) }

// ttsDeadline bounds every synthesis call with a timeout.
type ttsDeadline struct {
	inner   tts.Provider
	timeout time.Duration
}

var _ tts.Provider = (*ttsDeadline)(nil)

func (p *ttsDeadline) Load(ctx context.Context, language string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.inner.Load(ctx, language)
}

func (p *ttsDeadline) Loaded() bool { return p.inner.Loaded() }

func (p *ttsDeadline) Synthesize(ctx context.Context, text string, voice types.VoiceProfile, format tts.Format) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.inner.Synthesize(ctx, text, voice, format)
}

func (p *ttsDeadline) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	sctx, cancel := context.WithTimeout(ctx, p.timeout)
	inner, err := p.inner.SynthesizeStream(sctx, text, voice)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer cancel()
		defer close(out)
		for audio := range inner {
			select {
			case out <- audio:
			case <-sctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (p *ttsDeadline) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.inner.ListVoices(ctx)
}

func (p *ttsDeadline) Close() error { return closeInner(p.inner) }

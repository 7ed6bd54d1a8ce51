// Package whisper implements stt.Provider with the whisper.cpp CGO bindings.
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h) must
// be available at link time via LIBRARY_PATH and C_INCLUDE_PATH environment
// variables.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/telfon-ai/telfon/pkg/provider/stt"
	"github.com/telfon-ai/telfon/pkg/types"
)

// whisperSampleRate is the sample rate whisper.cpp expects. Input at other
// rates is resampled before inference.
const whisperSampleRate = 16000

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider transcribes utterances with a locally loaded whisper.cpp model.
// The model is loaded once via [Provider.Load] and shared across calls; each
// inference creates its own whisper context, so concurrent transcriptions do
// not interfere.
type Provider struct {
	modelPath string
	language  string

	mu    sync.Mutex
	model whisperlib.Model
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the default transcription language (BCP-47 base tag,
// e.g. "de"). Defaults to "de". Per-call languages override this.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// New creates a Provider for the GGML model file at modelPath. The model is
// not loaded until [Provider.Load] is called.
func New(modelPath string, opts ...Option) *Provider {
	p := &Provider{
		modelPath: modelPath,
		language:  "de",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Load loads the model file into memory. Calling Load on an already loaded
// provider is a no-op.
func (p *Provider) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		return nil
	}
	if p.modelPath == "" {
		return errors.New("whisper: model path must not be empty")
	}

	model, err := whisperlib.New(p.modelPath)
	if err != nil {
		return fmt.Errorf("whisper: load model %q: %w", p.modelPath, err)
	}
	p.model = model
	slog.Info("whisper model loaded", "path", p.modelPath)
	return nil
}

// Loaded reports whether the model is resident in memory.
func (p *Provider) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model != nil
}

// Close releases the model. The provider can be reloaded afterwards.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	return err
}

// Transcribe runs one utterance through the model and returns the text.
func (p *Provider) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error) {
	t, err := p.TranscribeWithInfo(ctx, samples, sampleRate, language)
	if err != nil {
		return "", err
	}
	return t.Text, nil
}

// TranscribeWithInfo runs one utterance through the model and returns the
// text together with the language used and the audio duration.
func (p *Provider) TranscribeWithInfo(ctx context.Context, samples []float32, sampleRate int, language string) (types.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	p.mu.Lock()
	model := p.model
	p.mu.Unlock()
	if model == nil {
		return types.Transcript{}, errors.New("whisper: model not loaded")
	}

	if language == "" {
		language = p.language
	}
	duration := float64(len(samples)) / float64(max(sampleRate, 1))
	if sampleRate != whisperSampleRate {
		samples = resampleFloat32(samples, sampleRate, whisperSampleRate)
	}

	// Each whisper context is single-use and not safe for sharing, but the
	// model itself is.
	wctx, err := model.NewContext()
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using default",
			"language", language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return types.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return types.Transcript{
		Text:       strings.Join(parts, " "),
		Language:   language,
		Confidence: 1,
		Duration:   duration,
	}, nil
}

// resampleFloat32 resamples mono float32 audio with linear interpolation.
func resampleFloat32(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dst := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dst == 0 {
		return nil
	}
	out := make([]float32, dst)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, or a
// local Piper instance) and presents both a batch and a streaming interface.
// SynthesizeStream accepts a channel of text fragments and returns a channel
// of raw PCM audio bytes as they become available — enabling low-latency
// pipelining between the LLM output and call playback.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/telfon-ai/telfon/pkg/types"
)

// Format selects the container of batch synthesis output.
type Format string

const (
	// FormatWAV returns a RIFF/WAV file.
	FormatWAV Format = "wav"

	// FormatRaw returns headerless 16-bit signed little-endian PCM.
	FormatRaw Format = "raw"
)

// Provider is the abstraction over any TTS backend.
//
// Multiple synthesis requests may run in parallel (one per active call).
type Provider interface {
	// Load prepares the provider for the given language (loads the voice
	// model, verifies credentials). An empty language loads the default voice.
	// Load is idempotent.
	Load(ctx context.Context, language string) error

	// Loaded reports whether the provider is ready to synthesise.
	Loaded() bool

	// Synthesize converts text to audio in one shot. voice selects the voice
	// profile; a zero-value voice uses the provider default for the loaded
	// language.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile, format Format) ([]byte, error)

	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw PCM audio byte slices as they are
	// synthesised. This design allows the caller to pipe LLM streaming output
	// directly into synthesis without waiting for the full text.
	//
	// The returned audio channel is closed by the implementation when all text
	// has been synthesised or when ctx is cancelled. The caller must drain the
	// audio channel to avoid blocking the provider's internal goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio channel
	// early; callers should check ctx.Err() to distinguish cancellation from
	// provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}

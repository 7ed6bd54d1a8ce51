// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription engine (e.g., hosted Whisper, or a
// local whisper.cpp model) and exposes a uniform batch interface: the audio
// pipeline segments caller speech into utterances, and each utterance is
// transcribed as one unit. Providers that need warm-up (local model load)
// perform it in Load; cloud providers treat Load as a no-op.
//
// Implementations must be safe for concurrent use — one provider instance is
// shared by every active call.
package stt

import (
	"context"

	"github.com/telfon-ai/telfon/pkg/types"
)

// Provider is the abstraction over any STT backend.
//
// Each method must propagate context cancellation promptly; transcription of a
// hung-up call is wasted work.
type Provider interface {
	// Load prepares the provider for transcription (downloads or maps the
	// model, verifies credentials). Load is idempotent; calling it on a loaded
	// provider returns nil immediately.
	Load(ctx context.Context) error

	// Loaded reports whether the provider is ready to transcribe.
	Loaded() bool

	// Transcribe converts one utterance of mono PCM samples (-1..1) at the
	// given sample rate into text. language is an ISO 639-1 hint; empty means
	// auto-detect where the backend supports it.
	Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (string, error)

	// TranscribeWithInfo is Transcribe plus the language and confidence the
	// backend reports. Backends without confidence reporting return zero.
	TranscribeWithInfo(ctx context.Context, samples []float32, sampleRate int, language string) (types.Transcript, error)
}

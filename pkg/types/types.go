// Package types defines the shared types used across all telfon packages.
//
// These types form the lingua franca between providers, the audio pipeline,
// the conversation engine, and the call handler. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — captured from the telephony
// bridge, processed by VAD, and played back through the output stream.
type AudioFrame struct {
	// Samples is mono PCM in the range -1..1.
	Samples []float32

	// SampleRate in Hz (16000 for the default bridge format).
	SampleRate int

	// IsSpeech is set by the VAD stage once the frame has been classified.
	IsSpeech bool

	// Energy is the RMS energy of the frame.
	Energy float64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Utterance is a contiguous run of speech frames bounded by VAD transitions.
// Exactly one Utterance is emitted per user turn.
type Utterance struct {
	// Samples is the concatenated mono PCM of the whole utterance.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Start and End bound the utterance relative to stream start.
	Start time.Duration
	End   time.Duration

	// Confidence is the detected-speech confidence (0.0–1.0).
	Confidence float64
}

// Transcript represents a speech-to-text result from an STT provider.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Language is the ISO 639-1 code reported by the provider, if any.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Duration is the length of the transcribed audio.
	Duration time.Duration
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Turn roles for conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the ISO 639-1 code this voice speaks.
	Language string

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

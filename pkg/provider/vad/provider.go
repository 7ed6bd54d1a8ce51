// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector (an RMS energy gate, or a
// neural model such as Silero) and surfaces it as a stateful, per-stream
// session. Each session maintains its own internal state (smoothing history,
// model hidden state) so that multiple concurrent calls can be processed
// independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for the low-latency capture loop that
// gates STT input.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// frames passed to ProcessFrame. Common values: 8000, 16000.
	SampleRate int

	// FrameSize is the number of samples per frame. Most VAD models operate on
	// fixed frame sizes (e.g., 320 or 512 samples at 16 kHz). Zero accepts
	// frames of any length.
	FrameSize int

	// SpeechThreshold is the probability above which a frame is classified as
	// speech. Range: [0.0, 1.0]. Higher values reduce false positives at the
	// cost of increased speech start latency.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame is classified as
	// silence. Must be ≤ SpeechThreshold. Zero means use SpeechThreshold.
	SilenceThreshold float64
}

// SessionHandle represents an active VAD session for a single audio stream.
// Each session maintains its own detection state; Reset clears this state
// without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single frame of mono PCM samples (-1..1) and
	// returns the detection result. Returns an error if the frame size is
	// wrong or if the engine encounters an internal failure.
	//
	// This method is called synchronously in the capture loop; it must not
	// block.
	ProcessFrame(samples []float32) (VADEvent, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use this when the audio stream is interrupted or restarted.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	NewSession(cfg Config) (SessionHandle, error)
}

package audio

import "time"

// AudioFrame is a single frame of wire-level PCM flowing through a call leg.
// Frames are the atomic unit of audio transport between the telephony
// adapters and the capture/playback pipeline.
type AudioFrame struct {
	// PCM audio data, little-endian int16 samples.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for telephony, 48000 for browser Opus).
	SampleRate int

	// Channels: 1 for telephony legs, 2 for browser audio before downmixing.
	Channels int

	// Timestamp marks when this frame was captured, relative to call start.
	Timestamp time.Duration
}

// Package audio defines the frame types, format conversion helpers, and the
// capture/playback pipeline shared by all telephony transports.
//
// The central abstraction is the [Leg]: one bidirectional audio path of an
// active call. Transport adapters (softswitch TCP bridge, browser WebSocket)
// produce Legs; the call orchestrator consumes caller audio from [Leg.Input]
// and plays synthesised speech into [Leg.Output].
package audio

// Leg is one bidirectional audio path of an active call.
//
// Implementations must be safe for concurrent use.
type Leg interface {
	// Input returns the read-only channel delivering caller audio frames.
	// The channel is closed when the remote side hangs up or the leg is
	// closed.
	Input() <-chan AudioFrame

	// Output returns the write-only channel for agent audio. Frames written
	// here are sent to the caller. After Close, writes are discarded rather
	// than panicking.
	Output() chan<- AudioFrame

	// Close tears down the leg and closes the input channel. It is safe to
	// call more than once; subsequent calls are no-ops and return nil.
	Close() error
}

// Package energy provides an RMS energy-gate VAD backend. It needs no model
// files and serves as the default detector and as the fallback when the
// neural backend is unavailable.
package energy

import (
	"fmt"
	"math"

	"github.com/telfon-ai/telfon/pkg/provider/vad"
)

// Compile-time interface assertion.
var _ vad.Engine = (*Engine)(nil)

const (
	// defaultRMSThreshold is the RMS level at which a frame scores a speech
	// probability of 0.5. Typical telephone speech sits well above this.
	defaultRMSThreshold = 0.02

	defaultSpeechThreshold = 0.5
)

// Option is a functional option for configuring the energy Engine.
type Option func(*Engine)

// WithRMSThreshold sets the RMS reference level. Frames with RMS equal to the
// reference score 0.5; louder frames approach 1.0.
func WithRMSThreshold(level float64) Option {
	return func(e *Engine) {
		e.rmsThreshold = level
	}
}

// Engine implements vad.Engine with a per-frame RMS energy gate.
type Engine struct {
	rmsThreshold float64
}

// New creates an energy VAD engine.
func New(opts ...Option) *Engine {
	e := &Engine{rmsThreshold: defaultRMSThreshold}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	speech := cfg.SpeechThreshold
	if speech <= 0 {
		speech = defaultSpeechThreshold
	}
	silence := cfg.SilenceThreshold
	if silence <= 0 || silence > speech {
		silence = speech
	}
	return &session{
		rmsThreshold: e.rmsThreshold,
		frameSize:    cfg.FrameSize,
		speech:       speech,
		silence:      silence,
	}, nil
}

// session holds the per-stream hysteresis state. It is not safe for
// concurrent use; each audio stream gets its own session.
type session struct {
	rmsThreshold float64
	frameSize    int
	speech       float64
	silence      float64
	inSpeech     bool
	closed       bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(samples []float32) (vad.VADEvent, error) {
	if s.closed {
		return vad.VADEvent{}, fmt.Errorf("energy: session is closed")
	}
	if len(samples) == 0 {
		return vad.VADEvent{}, fmt.Errorf("energy: empty frame")
	}
	if s.frameSize > 0 && len(samples) != s.frameSize {
		return vad.VADEvent{}, fmt.Errorf("energy: frame size %d, want %d", len(samples), s.frameSize)
	}

	prob := s.probability(rms(samples))

	var typ vad.VADEventType
	switch {
	case prob >= s.speech:
		if s.inSpeech {
			typ = vad.VADSpeechContinue
		} else {
			typ = vad.VADSpeechStart
			s.inSpeech = true
		}
	case prob < s.silence:
		if s.inSpeech {
			typ = vad.VADSpeechEnd
			s.inSpeech = false
		} else {
			typ = vad.VADSilence
		}
	default:
		// Hysteresis band between the two thresholds: hold the current state.
		if s.inSpeech {
			typ = vad.VADSpeechContinue
		} else {
			typ = vad.VADSilence
		}
	}

	return vad.VADEvent{Type: typ, Probability: prob}, nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	s.inSpeech = false
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// probability maps an RMS level to a pseudo speech probability. The curve
// passes through 0.5 at the reference level and saturates towards 1.0 for
// loud frames.
func (s *session) probability(level float64) float64 {
	if level <= 0 {
		return 0
	}
	return level / (level + s.rmsThreshold)
}

// rms computes the root-mean-square level of a frame of -1..1 samples.
func rms(samples []float32) float64 {
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

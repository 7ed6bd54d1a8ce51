// Package mock provides a scriptable vad.Engine for tests.
package mock

import (
	"github.com/telfon-ai/telfon/pkg/provider/vad"
)

// Engine is a mock vad.Engine whose sessions replay scripted probabilities.
type Engine struct {
	// Probabilities are returned frame by frame; once exhausted, the last
	// value repeats (or 0 if empty).
	Probabilities []float64
}

var _ vad.Engine = (*Engine)(nil)

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	threshold := cfg.SpeechThreshold
	if threshold == 0 {
		threshold = 0.5
	}
	return &session{probs: e.Probabilities, threshold: threshold}, nil
}

type session struct {
	probs     []float64
	threshold float64
	idx       int
	inSpeech  bool
}

func (s *session) ProcessFrame(_ []float32) (vad.VADEvent, error) {
	var p float64
	switch {
	case s.idx < len(s.probs):
		p = s.probs[s.idx]
		s.idx++
	case len(s.probs) > 0:
		p = s.probs[len(s.probs)-1]
	}

	speech := p >= s.threshold
	ev := vad.VADEvent{Probability: p}
	switch {
	case speech && !s.inSpeech:
		ev.Type = vad.VADSpeechStart
	case speech:
		ev.Type = vad.VADSpeechContinue
	case !speech && s.inSpeech:
		ev.Type = vad.VADSpeechEnd
	default:
		ev.Type = vad.VADSilence
	}
	s.inSpeech = speech
	return ev, nil
}

func (s *session) Reset() {
	s.idx = 0
	s.inSpeech = false
}

func (s *session) Close() error { return nil }

package webaudio

import (
	"context"
	"sync"

	"github.com/telfon-ai/telfon/pkg/audio"
)

// leg is the audio.Leg over one browser socket. The pumps own the socket;
// the leg carries the channels between them and the call handler. Only the
// read pump closes the input channel (after its last push), so Close merely
// signals teardown.
type leg struct {
	in  chan audio.AudioFrame
	out chan audio.AudioFrame

	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

var _ audio.Leg = (*leg)(nil)

func newLeg(cancel context.CancelFunc) *leg {
	return &leg{
		in:     make(chan audio.AudioFrame, 64),
		out:    make(chan audio.AudioFrame, 256),
		cancel: cancel,
		closed: make(chan struct{}),
	}
}

func (l *leg) Input() <-chan audio.AudioFrame  { return l.in }
func (l *leg) Output() chan<- audio.AudioFrame { return l.out }

func (l *leg) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.cancel()
	})
	return nil
}

// push delivers an inbound frame unless the leg closed; it reports whether
// the leg is still open.
func (l *leg) push(frame audio.AudioFrame) bool {
	select {
	case l.in <- frame:
		return true
	case <-l.closed:
		return false
	}
}

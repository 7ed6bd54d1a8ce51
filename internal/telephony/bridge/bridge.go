// Package bridge runs the TCP audio bridge the softswitch streams call audio
// to: raw 16 kHz mono s16le PCM frames in both directions, preceded by a one
// line handshake naming the call.
package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/telfon-ai/telfon/internal/config"
	"github.com/telfon-ai/telfon/pkg/audio"
)

const (
	defaultSampleRate = 16000
	defaultFrameSize  = 320 // 20 ms at 16 kHz

	// handshakeLimit bounds the first line so a misbehaving peer cannot make
	// us buffer unbounded garbage.
	handshakeLimit = 256

	handshakeTimeout = 5 * time.Second
)

// LegFunc receives the leg for an accepted audio connection, keyed by the
// call id from the handshake. It must not block: serve the call on its own
// goroutine.
type LegFunc func(callID string, leg audio.Leg)

// Server accepts softswitch audio connections and turns each into an
// [audio.Leg].
type Server struct {
	ln    net.Listener
	onLeg LegFunc
	log   *slog.Logger

	sampleRate int
	frameSize  int
}

// Listen binds the bridge socket. Serve must be called to accept
// connections.
func Listen(cfg config.BridgeConfig, onLeg LegFunc, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 8085
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bridge: listen %s: %w", addr, err)
	}
	log.Info("audio bridge listening", "addr", addr)

	return &Server{
		ln:         ln,
		onLeg:      onLeg,
		log:        log,
		sampleRate: defaultSampleRate,
		frameSize:  defaultFrameSize,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("bridge: accept: %w", err)
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	br := bufio.NewReaderSize(conn, s.frameSize*2*4)

	callID, err := readHandshake(br)
	if err != nil {
		s.log.Warn("bridge handshake failed", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	leg := newLeg(conn, br, s.sampleRate, s.frameSize)
	s.log.Info("bridge leg attached", "call_id", callID, "remote", conn.RemoteAddr())
	s.onLeg(callID, leg)
	leg.run(ctx)
}

// readHandshake parses the "CALL <id>\n" line that opens every audio
// connection.
func readHandshake(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read handshake: %w", err)
	}
	if len(line) > handshakeLimit {
		return "", fmt.Errorf("handshake line too long (%d bytes)", len(line))
	}
	line = strings.TrimRight(line, "\r\n")

	kind, id, ok := strings.Cut(line, " ")
	if !ok || kind != "CALL" || id == "" {
		return "", fmt.Errorf("malformed handshake %q", line)
	}
	return id, nil
}

// leg is the audio.Leg over one bridge connection.
type leg struct {
	conn net.Conn
	br   *bufio.Reader

	sampleRate int
	frameBytes int

	in  chan audio.AudioFrame
	out chan audio.AudioFrame

	closeOnce sync.Once
	closed    chan struct{}
	started   time.Time
}

var _ audio.Leg = (*leg)(nil)

func newLeg(conn net.Conn, br *bufio.Reader, sampleRate, frameSize int) *leg {
	return &leg{
		conn:       conn,
		br:         br,
		sampleRate: sampleRate,
		frameBytes: frameSize * 2,
		in:         make(chan audio.AudioFrame, 64),
		out:        make(chan audio.AudioFrame, 256),
		closed:     make(chan struct{}),
		started:    time.Now(),
	}
}

func (l *leg) Input() <-chan audio.AudioFrame  { return l.in }
func (l *leg) Output() chan<- audio.AudioFrame { return l.out }

// Close tears down the connection and closes the input channel. The output
// channel stays open so in-flight producers never panic; the playback side
// stops on its own cancelled context.
func (l *leg) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
	})
	return nil
}

// run pumps both directions until the connection drops, the leg is closed or
// the context is cancelled. It owns closing the input channel.
func (l *leg) run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.readLoop()
	}()

	l.writeLoop(ctx)
	<-done
}

func (l *leg) readLoop() {
	defer close(l.in)
	buf := make([]byte, l.frameBytes)

	for {
		if _, err := io.ReadFull(l.br, buf); err != nil {
			l.Close()
			return
		}
		frame := audio.AudioFrame{
			Data:       append([]byte(nil), buf...),
			SampleRate: l.sampleRate,
			Channels:   1,
			Timestamp:  time.Since(l.started),
		}
		select {
		case l.in <- frame:
		case <-l.closed:
			return
		}
	}
}

func (l *leg) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-l.out:
			if _, err := l.conn.Write(frame.Data); err != nil {
				l.Close()
				return
			}
		case <-l.closed:
			return
		case <-ctx.Done():
			l.Close()
			return
		}
	}
}

// Package call implements the per-call state machine that orchestrates
// greeting, listening, AI turn processing, speaking, transfer and hangup on
// top of the conversation engine and an audio leg.
package call

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telfon-ai/telfon/internal/conversation"
	"github.com/telfon-ai/telfon/pkg/audio"
	"github.com/telfon-ai/telfon/pkg/provider/vad"
)

var (
	// ErrCallActive is returned when an incoming call arrives while another
	// call is being handled.
	ErrCallActive = errors.New("call: already handling a call")

	// ErrNoCall is returned by operations that require an active call in a
	// specific state.
	ErrNoCall = errors.New("call: no active call")
)

// defaultCaptureTimeout bounds how long LISTENING waits for an utterance
// before the caller is politely re-prompted.
const defaultCaptureTimeout = 30 * time.Second

// Config holds the per-handler audio and transfer parameters.
type Config struct {
	// Capture configures utterance segmentation.
	Capture audio.CaptureConfig

	// VAD configures the per-call VAD session.
	VAD vad.Config

	// CaptureTimeout is the silence window in LISTENING before a re-prompt.
	// Default: 30s.
	CaptureTimeout time.Duration

	// FrameSize is the playback frame size in samples. Default: 320.
	FrameSize int

	// TransferNumber is the human handover target set on transferring calls.
	TransferNumber string

	// TransferPhrases overrides the default transfer keyword set.
	TransferPhrases []string
}

// Call is the context of one phone call. State and Metadata are mutated only
// by the owning handler under its mutex; while a call is live, writers go
// through [Handler.SetMetadata] and [Handler.AppendMetadata]. Observers read
// via snapshots or after the call is archived.
type Call struct {
	ID       string
	CallerID string
	CalleeID string
	Metadata map[string]string

	StartedAt      time.Time
	EndedAt        time.Time
	TransferTarget string

	State State

	conv    *conversation.Conversation
	leg     audio.Leg
	capture *audio.Capture
	player  *audio.Player
	session vad.SessionHandle
	ctx     context.Context
	cancel  context.CancelFunc
}

// Conversation returns the dialogue state owned by this call; nil before the
// call is answered.
func (c *Call) Conversation() *conversation.Conversation { return c.conv }

// Duration returns how long the call has been running, or its final duration
// once ended. Zero before the call is answered.
func (c *Call) Duration() time.Duration {
	if c.StartedAt.IsZero() {
		return 0
	}
	end := c.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(c.StartedAt)
}

func newCallID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "call-" + hex.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return hex.EncodeToString(b[:])
}

// Handler runs the call state machine for at most one active call.
//
// All state transitions and the reads that inform them happen under a single
// mutex; long I/O (greeting playback, AI calls, capture) runs outside the
// lock after the transition commits. Events delivered to a (state, event)
// pair outside the transition table are logged and dropped.
type Handler struct {
	engine   *conversation.Engine
	vad      vad.Engine
	detector *TransferDetector
	cfg      Config

	onStateChange func(from, to State, c *Call)
	onCallStart   func(*Call)
	onCallEnd     func(*Call)

	mu      sync.Mutex
	current *Call
	history []*Call
}

// Option configures a Handler during construction.
type Option func(*Handler)

// WithOnStateChange installs an observer invoked on every transition, under
// the handler mutex. It must not block or call back into the handler.
func WithOnStateChange(f func(from, to State, c *Call)) Option {
	return func(h *Handler) { h.onStateChange = f }
}

// WithOnCallStart installs an observer invoked when a call is answered. It
// runs outside the handler mutex and may call back into the handler.
func WithOnCallStart(f func(*Call)) Option {
	return func(h *Handler) { h.onCallStart = f }
}

// WithOnCallEnd installs an observer invoked after a call is torn down.
func WithOnCallEnd(f func(*Call)) Option {
	return func(h *Handler) { h.onCallEnd = f }
}

// NewHandler creates a call handler on the given conversation engine and VAD
// backend.
func NewHandler(engine *conversation.Engine, vadEngine vad.Engine, cfg Config, opts ...Option) *Handler {
	if cfg.CaptureTimeout == 0 {
		cfg.CaptureTimeout = defaultCaptureTimeout
	}
	h := &Handler{
		engine:   engine,
		vad:      vadEngine,
		detector: NewTransferDetector(cfg.TransferPhrases),
		cfg:      cfg,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// HandleIncomingCall registers a new inbound call and moves it to RINGING.
// A second incoming call while one is active is rejected with ErrCallActive.
func (h *Handler) HandleIncomingCall(callerID, calleeID string, metadata map[string]string) (*Call, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current != nil && h.current.State != StateIdle && !h.current.State.Terminal() {
		slog.Warn("rejecting concurrent incoming call", "caller", callerID, "active_call", h.current.ID)
		return nil, fmt.Errorf("%w: caller %s rejected", ErrCallActive, callerID)
	}
	if metadata == nil {
		metadata = make(map[string]string)
	}

	c := &Call{
		ID:       newCallID(),
		CallerID: callerID,
		CalleeID: calleeID,
		Metadata: metadata,
		State:    StateIdle,
	}
	h.current = c
	h.dispatchLocked(c, EventIncomingCall)

	slog.Info("incoming call", "call_id", c.ID, "caller", callerID, "callee", calleeID)
	return c, nil
}

// Answer answers the ringing call on the given audio leg: it allocates the
// conversation, the VAD session and the capture/playback pipeline, then plays
// the greeting and moves to LISTENING.
func (h *Handler) Answer(ctx context.Context, leg audio.Leg) error {
	h.mu.Lock()
	c := h.current
	if c == nil || c.State != StateRinging {
		h.mu.Unlock()
		return fmt.Errorf("%w: no ringing call to answer", ErrNoCall)
	}

	session, err := h.vad.NewSession(h.cfg.VAD)
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("call: open vad session: %w", err)
	}

	c.StartedAt = time.Now()
	c.conv = h.engine.StartConversation()
	c.leg = leg
	c.session = session
	c.capture = audio.NewCapture(session, h.cfg.Capture, audio.CaptureCallbacks{
		OnSpeechStart: func() { h.dispatch(c, EventSpeechDetected) },
	})
	c.player = audio.NewPlayer(leg.Output(), h.cfg.Capture.SampleRate, h.cfg.FrameSize)
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	h.dispatchLocked(c, EventCallAnswered)
	h.mu.Unlock()

	if h.onCallStart != nil {
		h.onCallStart(c)
	}

	text, greeting, err := h.engine.GenerateGreeting(c.ctx, c.conv.ID())
	if err != nil {
		slog.Warn("greeting unavailable", "call_id", c.ID, "error", err)
	} else if err := c.player.Play(c.ctx, greeting); err != nil {
		return fmt.Errorf("call: greeting playback: %w", err)
	}
	slog.Info("greeting played", "call_id", c.ID, "text", text)

	h.dispatch(c, EventGreetingComplete)
	return nil
}

// ProcessUtterance runs one LISTENING → PROCESSING → SPEAKING cycle: capture
// an utterance from the leg, generate and play the reply. Capture timeouts
// and AI failures re-prompt the caller and return to LISTENING; a transfer
// phrase in the reply moves the call to TRANSFERRING instead of playing.
func (h *Handler) ProcessUtterance(ctx context.Context) (string, error) {
	h.mu.Lock()
	c := h.current
	if c == nil || c.State != StateListening {
		h.mu.Unlock()
		return "", fmt.Errorf("%w: not listening", ErrNoCall)
	}
	h.mu.Unlock()

	u, err := c.capture.CaptureUtterance(c.ctx, c.leg.Input(), h.cfg.CaptureTimeout)
	switch {
	case errors.Is(err, audio.ErrNoUtterance):
		h.dispatch(c, EventTimeout)
		return h.speakPhrase(c, h.engine.Reprompt)
	case err != nil:
		return "", fmt.Errorf("call: capture utterance: %w", err)
	}

	h.dispatch(c, EventUtteranceComplete)

	reply, replyAudio, err := h.engine.ProcessAudio(c.ctx, u.Samples, u.SampleRate, c.conv.ID())
	switch {
	case errors.Is(err, conversation.ErrNoSpeech):
		h.dispatch(c, EventError)
		return h.speakPhrase(c, h.engine.Reprompt)
	case err != nil:
		slog.Error("turn processing failed", "call_id", c.ID, "error", err)
		h.dispatch(c, EventError)
		return h.speakPhrase(c, h.engine.Apologize)
	}

	if phrase, ok := h.detector.ShouldTransfer(reply); ok {
		h.mu.Lock()
		c.TransferTarget = h.cfg.TransferNumber
		h.dispatchLocked(c, EventTransferRequested)
		h.mu.Unlock()
		slog.Info("transfer requested", "call_id", c.ID, "matched", phrase, "target", c.TransferTarget)
		return reply, nil
	}

	h.dispatch(c, EventResponseReady)
	if err := c.player.Play(c.ctx, replyAudio); err != nil {
		return reply, fmt.Errorf("call: playback: %w", err)
	}
	h.dispatch(c, EventPlaybackComplete)
	return reply, nil
}

// speakPhrase plays a stock phrase (re-prompt or apology) while in SPEAKING
// and returns to LISTENING.
func (h *Handler) speakPhrase(c *Call, speak func(context.Context, string) (string, []byte, error)) (string, error) {
	text, phraseAudio, err := speak(c.ctx, c.conv.ID())
	if err != nil {
		slog.Warn("stock phrase synthesis failed", "call_id", c.ID, "error", err)
	} else if err := c.player.Play(c.ctx, phraseAudio); err != nil {
		return text, fmt.Errorf("call: phrase playback: %w", err)
	}
	h.dispatch(c, EventPlaybackComplete)
	return text, nil
}

// Hangup idempotently ends the current call: in-flight provider calls are
// cancelled, the leg and VAD session are torn down, the conversation is
// closed, and the call context is archived. A second Hangup is a no-op.
func (h *Handler) Hangup() (*Call, bool) {
	return h.finish(EventHangup)
}

// CompleteTransfer reports that the telephony layer handed the call over; the
// call ends and is archived like a hangup.
func (h *Handler) CompleteTransfer() (*Call, bool) {
	return h.finish(EventTransferComplete)
}

// TransferFailed routes a failed handover back to SPEAKING so the assistant
// can explain and continue.
func (h *Handler) TransferFailed() {
	h.Dispatch(EventError)
}

func (h *Handler) finish(e Event) (*Call, bool) {
	h.mu.Lock()
	c := h.current
	if c == nil {
		h.mu.Unlock()
		return nil, false
	}
	h.dispatchLocked(c, e)
	if c.EndedAt.IsZero() {
		c.EndedAt = time.Now()
	}
	h.current = nil
	h.history = append(h.history, c)
	h.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.leg != nil {
		if err := c.leg.Close(); err != nil {
			slog.Warn("leg close failed", "call_id", c.ID, "error", err)
		}
	}
	if c.session != nil {
		_ = c.session.Close()
	}
	if c.conv != nil {
		h.engine.EndConversation(c.conv.ID())
		h.engine.Remove(c.conv.ID())
	}

	if h.onCallEnd != nil {
		h.onCallEnd(c)
	}
	slog.Info("call ended", "call_id", c.ID, "state", c.State, "duration", c.Duration())
	return c, true
}

// Dispatch delivers an externally sourced event (softswitch timeout, DTMF
// driven transitions) to the current call.
func (h *Handler) Dispatch(e Event) (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		slog.Warn("event for no active call", "event", e)
		return StateIdle, false
	}
	return h.dispatchLocked(h.current, e)
}

func (h *Handler) dispatch(c *Call, e Event) (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dispatchLocked(c, e)
}

func (h *Handler) dispatchLocked(c *Call, e Event) (State, bool) {
	next, ok := nextState(c.State, e)
	if !ok {
		return c.State, false
	}
	prev := c.State
	c.State = next
	slog.Debug("call state transition", "call_id", c.ID, "from", prev, "event", e, "to", next)
	if h.onStateChange != nil {
		h.onStateChange(prev, next, c)
	}
	return next, true
}

// SetMetadata records key=value on the active call. It reports false when no
// call is active. Backend events and call observers run on their own
// goroutines, so all metadata writes on a live call go through the handler
// mutex.
func (h *Handler) SetMetadata(key, value string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return false
	}
	if h.current.Metadata == nil {
		h.current.Metadata = make(map[string]string)
	}
	h.current.Metadata[key] = value
	return true
}

// AppendMetadata appends suffix to the value under key on the active call,
// accumulating e.g. DTMF digits. It reports false when no call is active.
func (h *Handler) AppendMetadata(key, suffix string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return false
	}
	if h.current.Metadata == nil {
		h.current.Metadata = make(map[string]string)
	}
	h.current.Metadata[key] += suffix
	return true
}

// Current returns the active call, if any.
func (h *Handler) Current() (*Call, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current, h.current != nil
}

// CurrentState returns the active call's state, or IDLE when none.
func (h *Handler) CurrentState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return StateIdle
	}
	return h.current.State
}

// InCall reports whether a call is currently being handled.
func (h *Handler) InCall() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current != nil && h.current.State != StateIdle && !h.current.State.Terminal()
}

// History returns a snapshot of archived calls, oldest first.
func (h *Handler) History() []*Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Call, len(h.history))
	copy(out, h.history)
	return out
}

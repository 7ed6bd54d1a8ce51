// Package sip keeps the in-memory registry of active SIP dialogs, keyed by
// SIP call-id, and maps INVITE/BYE signalling onto the normalised call
// stream. The actual SIP transport is pluggable; the registry only tracks
// dialog state and forwards lifecycle changes.
package sip

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/telfon-ai/telfon/internal/call"
	"github.com/telfon-ai/telfon/internal/telephony"
)

// Calls is the adapter surface the registry drives.
type Calls interface {
	Accept(ic telephony.IncomingCall) (*call.Call, error)
	HangupExternal(externalID string) bool
}

var _ Calls = (*telephony.Adapter)(nil)

var (
	// ErrUnknownDialog is returned for operations on a call-id not in the
	// registry.
	ErrUnknownDialog = errors.New("sip: unknown dialog")

	// ErrDuplicateDialog is returned when an INVITE reuses a live call-id.
	ErrDuplicateDialog = errors.New("sip: duplicate dialog")
)

// DialogState tracks where a dialog is in its lifecycle.
type DialogState string

const (
	DialogRinging DialogState = "ringing"
	DialogActive  DialogState = "active"
	DialogEnded   DialogState = "ended"
)

// Dialog is one SIP call leg.
type Dialog struct {
	CallID    string
	From      string
	To        string
	State     DialogState
	Outbound  bool
	StartedAt time.Time
}

// Transport sends signalling for dialogs the registry decides on. The real
// implementation wraps a SIP stack; tests use fakes.
type Transport interface {
	// SendInvite starts an outbound dialog and returns once the INVITE is on
	// the wire.
	SendInvite(callID, from, to string) error

	// SendBye terminates a dialog.
	SendBye(callID string) error

	// SendAnswer accepts an inbound INVITE (200 OK).
	SendAnswer(callID string) error
}

// Registry owns the dialog table and bridges SIP signalling to the call
// adapter.
type Registry struct {
	calls     Calls
	transport Transport
	log       *slog.Logger

	mu      sync.Mutex
	dialogs map[string]*Dialog
}

// NewRegistry builds a registry over the given transport.
func NewRegistry(calls Calls, transport Transport, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		calls:     calls,
		transport: transport,
		log:       log,
		dialogs:   make(map[string]*Dialog),
	}
}

// Invite registers an inbound INVITE and feeds it to the call handler. On
// acceptance the dialog is answered at the SIP level; when the handler is
// busy the dialog is rejected with a BYE.
func (r *Registry) Invite(callID, from, to string) error {
	r.mu.Lock()
	if d, exists := r.dialogs[callID]; exists && d.State != DialogEnded {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateDialog, callID)
	}
	d := &Dialog{
		CallID:    callID,
		From:      from,
		To:        to,
		State:     DialogRinging,
		StartedAt: time.Now(),
	}
	r.dialogs[callID] = d
	r.mu.Unlock()

	if _, err := r.calls.Accept(telephony.IncomingCall{
		CallerID:   from,
		CalleeID:   to,
		ExternalID: callID,
	}); err != nil {
		r.remove(callID)
		if byeErr := r.transport.SendBye(callID); byeErr != nil {
			r.log.Warn("busy bye failed", "call_id", callID, "error", byeErr)
		}
		return fmt.Errorf("sip: invite %s: %w", callID, err)
	}

	if err := r.transport.SendAnswer(callID); err != nil {
		r.remove(callID)
		r.calls.HangupExternal(callID)
		return fmt.Errorf("sip: answer %s: %w", callID, err)
	}

	r.mu.Lock()
	d.State = DialogActive
	r.mu.Unlock()
	r.log.Info("sip dialog answered", "call_id", callID, "from", from, "to", to)
	return nil
}

// Bye handles a remote BYE: the dialog ends and the hangup is forwarded to
// the call handler.
func (r *Registry) Bye(callID string) error {
	r.mu.Lock()
	d, ok := r.dialogs[callID]
	if ok {
		d.State = DialogEnded
		delete(r.dialogs, callID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDialog, callID)
	}

	r.calls.HangupExternal(callID)
	r.log.Info("sip dialog ended by remote", "call_id", callID)
	return nil
}

// Hangup ends a dialog from our side: BYE on the wire, entry removed.
func (r *Registry) Hangup(callID string) error {
	r.mu.Lock()
	_, ok := r.dialogs[callID]
	delete(r.dialogs, callID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDialog, callID)
	}
	if err := r.transport.SendBye(callID); err != nil {
		return fmt.Errorf("sip: bye %s: %w", callID, err)
	}
	return nil
}

// Originate starts an outbound dialog and returns its call-id. The dialog
// enters the registry as ringing; Answered must be called when the remote
// side picks up.
func (r *Registry) Originate(to, from string) (string, error) {
	callID := newCallID()
	r.mu.Lock()
	r.dialogs[callID] = &Dialog{
		CallID:    callID,
		From:      from,
		To:        to,
		State:     DialogRinging,
		Outbound:  true,
		StartedAt: time.Now(),
	}
	r.mu.Unlock()

	if err := r.transport.SendInvite(callID, from, to); err != nil {
		r.remove(callID)
		return "", fmt.Errorf("sip: originate to %s: %w", to, err)
	}
	r.log.Info("sip dialog originated", "call_id", callID, "to", to)
	return callID, nil
}

// Answered marks an outbound dialog as picked up and feeds it to the call
// handler so it enters the state machine at RINGING.
func (r *Registry) Answered(callID string) error {
	r.mu.Lock()
	d, ok := r.dialogs[callID]
	if ok {
		d.State = DialogActive
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDialog, callID)
	}

	if d.Outbound {
		if _, err := r.calls.Accept(telephony.IncomingCall{
			CallerID:   d.To,
			CalleeID:   d.From,
			ExternalID: callID,
			Metadata:   map[string]string{"direction": "outbound"},
		}); err != nil {
			return fmt.Errorf("sip: register outbound %s: %w", callID, err)
		}
	}
	return nil
}

// Get returns a snapshot of one dialog.
func (r *Registry) Get(callID string) (Dialog, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.dialogs[callID]
	if !ok {
		return Dialog{}, false
	}
	return *d, true
}

// Active returns snapshots of all live dialogs.
func (r *Registry) Active() []Dialog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Dialog, 0, len(r.dialogs))
	for _, d := range r.dialogs {
		out = append(out, *d)
	}
	return out
}

func (r *Registry) remove(callID string) {
	r.mu.Lock()
	delete(r.dialogs, callID)
	r.mu.Unlock()
}

func newCallID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("out-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

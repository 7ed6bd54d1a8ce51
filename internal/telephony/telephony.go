// Package telephony normalises call transports (signed webhooks, softswitch
// event socket, SIP, browser audio) into a single inbound call stream for the
// call handler, and tracks the mapping between backend call identifiers and
// internal ones.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/telfon-ai/telfon/internal/call"
	"github.com/telfon-ai/telfon/pkg/audio"
)

// MetadataExternalID is the call metadata key carrying the backend's call id.
const MetadataExternalID = "external_id"

// IncomingCall is the normalised form of an inbound call, whatever backend it
// arrived on.
type IncomingCall struct {
	// CallerID is the calling party number or identity.
	CallerID string

	// CalleeID is the dialled number.
	CalleeID string

	// ExternalID is the backend's identifier for this call (softswitch
	// channel UUID, SIP call-id, webhook call reference).
	ExternalID string

	// Metadata carries backend-specific extras (DTMF digits, SIP headers).
	Metadata map[string]string
}

// CallHandler is the slice of the call state machine the adapter drives.
type CallHandler interface {
	HandleIncomingCall(callerID, calleeID string, metadata map[string]string) (*call.Call, error)
	Answer(ctx context.Context, leg audio.Leg) error
	ProcessUtterance(ctx context.Context) (string, error)
	Hangup() (*call.Call, bool)
	Dispatch(e call.Event) (call.State, bool)
	Current() (*call.Call, bool)
	CurrentState() call.State
	AppendMetadata(key, suffix string) bool
}

var _ CallHandler = (*call.Handler)(nil)

// Adapter feeds normalised incoming calls to the call handler and keeps the
// external-id to internal-call-id mapping so backend events (hangup, DTMF)
// reach the right call.
type Adapter struct {
	handler CallHandler
	log     *slog.Logger

	mu         sync.Mutex
	byExternal map[string]string
}

// NewAdapter wraps the call handler for use by the transport backends.
func NewAdapter(handler CallHandler, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		handler:    handler,
		log:        log,
		byExternal: make(map[string]string),
	}
}

// Accept registers a normalised incoming call with the handler and records
// the external-id mapping. The external id is also stored in the call
// metadata so downstream consumers (persistence, policies) see it.
func (a *Adapter) Accept(ic IncomingCall) (*call.Call, error) {
	md := maps.Clone(ic.Metadata)
	if md == nil {
		md = make(map[string]string)
	}
	if ic.ExternalID != "" {
		md[MetadataExternalID] = ic.ExternalID
	}

	c, err := a.handler.HandleIncomingCall(ic.CallerID, ic.CalleeID, md)
	if err != nil {
		return nil, fmt.Errorf("telephony: accept call from %s: %w", ic.CallerID, err)
	}

	if ic.ExternalID != "" {
		a.mu.Lock()
		a.byExternal[ic.ExternalID] = c.ID
		a.mu.Unlock()
	}
	return c, nil
}

// ServeCall answers the ringing call on the given leg and runs the listen,
// process, speak loop until the call leaves LISTENING for good (hangup or
// transfer) or the context is cancelled.
func (a *Adapter) ServeCall(ctx context.Context, leg audio.Leg) error {
	if err := a.handler.Answer(ctx, leg); err != nil {
		return fmt.Errorf("telephony: answer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if a.handler.CurrentState() != call.StateListening {
			return nil
		}
		if _, err := a.handler.ProcessUtterance(ctx); err != nil {
			if errors.Is(err, call.ErrNoCall) {
				// The call was hung up between state check and capture.
				return nil
			}
			return fmt.Errorf("telephony: turn: %w", err)
		}
	}
}

// HangupExternal forwards a backend-side hangup to the call handler. It
// reports false when the external id is unknown or the call already ended.
func (a *Adapter) HangupExternal(externalID string) bool {
	a.mu.Lock()
	internalID, ok := a.byExternal[externalID]
	delete(a.byExternal, externalID)
	a.mu.Unlock()
	if !ok {
		a.log.Warn("hangup for unknown external call", "external_id", externalID)
		return false
	}

	c, ok := a.handler.Hangup()
	if !ok {
		return false
	}
	if c.ID != internalID {
		a.log.Warn("hangup call id mismatch", "external_id", externalID, "expected", internalID, "got", c.ID)
	}
	return true
}

// NotifyDTMF appends a DTMF digit from the backend to the active call's
// metadata. Policy modules read the accumulated digits from there. Backends
// deliver digits on their own goroutines (event loop, webhook handlers), so
// the write goes through the handler's synchronised metadata accessor.
func (a *Adapter) NotifyDTMF(externalID, digit string) {
	a.mu.Lock()
	internalID, ok := a.byExternal[externalID]
	a.mu.Unlock()
	if !ok {
		return
	}

	c, active := a.handler.Current()
	if !active || c.ID != internalID {
		return
	}
	if a.handler.AppendMetadata("dtmf", digit) {
		a.log.Debug("dtmf received", "call_id", c.ID, "digit", digit)
	}
}

// Lookup returns the internal call id for a backend call id.
func (a *Adapter) Lookup(externalID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.byExternal[externalID]
	return id, ok
}

// Release drops the mapping for an external id without touching the call.
// Backends call it when they tear down a call the handler already ended.
func (a *Adapter) Release(externalID string) {
	a.mu.Lock()
	delete(a.byExternal, externalID)
	a.mu.Unlock()
}

// Handler exposes the wrapped call handler to backends that need direct
// event dispatch (e.g., transfer completion from the softswitch).
func (a *Adapter) Handler() CallHandler { return a.handler }

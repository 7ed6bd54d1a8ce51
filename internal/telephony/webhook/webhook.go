// Package webhook exposes the signed HTTP endpoints through which hosted
// telephony providers deliver call lifecycle events. Each request carries an
// HMAC-SHA256 signature over "<timestamp>.<body>" in X-Signature and the unix
// timestamp in X-Timestamp; stale or unsigned requests are rejected.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/telfon-ai/telfon/internal/call"
	"github.com/telfon-ai/telfon/internal/config"
	"github.com/telfon-ai/telfon/internal/telephony"
)

const (
	headerSignature = "X-Signature"
	headerTimestamp = "X-Timestamp"

	defaultTolerance = 5 * time.Minute
	maxBodyBytes     = 1 << 20
)

// Calls is the adapter surface the webhook endpoints drive.
type Calls interface {
	Accept(ic telephony.IncomingCall) (*call.Call, error)
	HangupExternal(externalID string) bool
	NotifyDTMF(externalID, digit string)
}

var _ Calls = (*telephony.Adapter)(nil)

// Handler serves the webhook endpoints.
type Handler struct {
	calls     Calls
	secret    []byte
	tolerance time.Duration
	bridge    config.BridgeConfig
	log       *slog.Logger

	now func() time.Time
}

// New builds the webhook handler. The bridge config is echoed back to the
// provider so it knows where to connect the audio stream.
func New(cfg config.WebhookConfig, bridge config.BridgeConfig, calls Calls, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	tolerance := cfg.TimestampTolerance.Std()
	if tolerance == 0 {
		tolerance = defaultTolerance
	}
	return &Handler{
		calls:     calls,
		secret:    []byte(cfg.Secret),
		tolerance: tolerance,
		bridge:    bridge,
		log:       log,
		now:       time.Now,
	}
}

// Register mounts the webhook routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/call/incoming", h.withAuth(h.handleIncoming))
	mux.HandleFunc("POST /webhooks/call/hangup", h.withAuth(h.handleHangup))
	mux.HandleFunc("POST /webhooks/call/event", h.withAuth(h.handleEvent))
}

type incomingPayload struct {
	Caller     string            `json:"caller"`
	Callee     string            `json:"callee"`
	ExternalID string            `json:"external_id"`
	Metadata   map[string]string `json:"metadata"`
}

type hangupPayload struct {
	ExternalID string `json:"external_id"`
}

type eventPayload struct {
	ExternalID string `json:"external_id"`
	Event      string `json:"event"`
	Digit      string `json:"digit"`
}

// instruction is the response telling the provider what to do with the call.
type instruction struct {
	Action     string `json:"action"`
	CallID     string `json:"call_id,omitempty"`
	BridgeHost string `json:"bridge_host,omitempty"`
	BridgePort int    `json:"bridge_port,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (h *Handler) handleIncoming(w http.ResponseWriter, body []byte) {
	var p incomingPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, instruction{Action: "reject", Reason: "malformed payload"})
		return
	}
	if p.ExternalID == "" {
		writeJSON(w, http.StatusBadRequest, instruction{Action: "reject", Reason: "missing external_id"})
		return
	}

	c, err := h.calls.Accept(telephony.IncomingCall{
		CallerID:   p.Caller,
		CalleeID:   p.Callee,
		ExternalID: p.ExternalID,
		Metadata:   p.Metadata,
	})
	if err != nil {
		if errors.Is(err, call.ErrCallActive) {
			writeJSON(w, http.StatusConflict, instruction{Action: "reject", Reason: "busy"})
			return
		}
		h.log.Error("webhook incoming rejected", "external_id", p.ExternalID, "error", err)
		writeJSON(w, http.StatusInternalServerError, instruction{Action: "reject", Reason: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, instruction{
		Action:     "answer",
		CallID:     c.ID,
		BridgeHost: h.bridge.Host,
		BridgePort: h.bridge.Port,
	})
}

func (h *Handler) handleHangup(w http.ResponseWriter, body []byte) {
	var p hangupPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, instruction{Action: "reject", Reason: "malformed payload"})
		return
	}
	if !h.calls.HangupExternal(p.ExternalID) {
		writeJSON(w, http.StatusNotFound, instruction{Action: "reject", Reason: "unknown call"})
		return
	}
	writeJSON(w, http.StatusOK, instruction{Action: "ok"})
}

func (h *Handler) handleEvent(w http.ResponseWriter, body []byte) {
	var p eventPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, instruction{Action: "reject", Reason: "malformed payload"})
		return
	}
	switch p.Event {
	case "dtmf":
		h.calls.NotifyDTMF(p.ExternalID, p.Digit)
	default:
		h.log.Debug("unhandled webhook event", "event", p.Event, "external_id", p.ExternalID)
	}
	writeJSON(w, http.StatusOK, instruction{Action: "ok"})
}

// withAuth verifies the signature and timestamp before handing the body to
// the wrapped handler.
func (h *Handler) withAuth(next func(http.ResponseWriter, []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}
		if err := h.verify(r, body); err != nil {
			h.log.Warn("webhook rejected", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, body)
	}
}

func (h *Handler) verify(r *http.Request, body []byte) error {
	ts := r.Header.Get(headerTimestamp)
	if ts == "" {
		return errors.New("missing timestamp")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("bad timestamp %q", ts)
	}
	age := h.now().Sub(time.Unix(unix, 0))
	if age > h.tolerance || age < -h.tolerance {
		return fmt.Errorf("timestamp outside tolerance (%s)", age)
	}

	sig := r.Header.Get(headerSignature)
	if sig == "" {
		return errors.New("missing signature")
	}
	if !hmac.Equal([]byte(sig), []byte(Sign(h.secret, ts, body))) {
		return errors.New("signature mismatch")
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of "<timestamp>.<body>". Providers (and
// tests) use it to sign outgoing requests.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

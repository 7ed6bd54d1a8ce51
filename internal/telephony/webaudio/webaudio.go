// Package webaudio accepts browser calls over WebSocket: inbound Opus frames
// are decoded and resampled to the 16 kHz pipeline format, agent speech is
// resampled back to 48 kHz and encoded for the browser.
package webaudio

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/telfon-ai/telfon/internal/call"
	"github.com/telfon-ai/telfon/internal/telephony"
	"github.com/telfon-ai/telfon/pkg/audio"
)

const (
	pipelineRate      = 16000
	pipelineFrameSize = 320 // 20 ms at 16 kHz

	handshakeTimeout = 10 * time.Second
)

// Calls is the adapter surface a browser call drives.
type Calls interface {
	Accept(ic telephony.IncomingCall) (*call.Call, error)
	ServeCall(ctx context.Context, leg audio.Leg) error
	HangupExternal(externalID string) bool
}

var _ Calls = (*telephony.Adapter)(nil)

// handshake is the first (text) message on a new socket.
type handshake struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
}

// handshakeReply tells the browser which call it got.
type handshakeReply struct {
	CallID string `json:"call_id"`
	Error  string `json:"error,omitempty"`
}

// Handler upgrades HTTP requests to browser call sockets.
type Handler struct {
	calls Calls
	log   *slog.Logger
}

// New builds the browser call endpoint.
func New(calls Calls, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{calls: calls, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if err := h.serve(r.Context(), conn); err != nil {
		h.log.Info("browser call ended", "remote", r.RemoteAddr, "error", err)
		conn.Close(websocket.StatusInternalError, "call failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "call ended")
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn) error {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	typ, data, err := conn.Read(hsCtx)
	if err != nil {
		return fmt.Errorf("webaudio: read handshake: %w", err)
	}
	var hs handshake
	if typ != websocket.MessageText || json.Unmarshal(data, &hs) != nil {
		return fmt.Errorf("webaudio: malformed handshake")
	}
	if hs.Caller == "" {
		hs.Caller = "browser"
	}

	externalID := "ws-" + randomID()
	c, err := h.calls.Accept(telephony.IncomingCall{
		CallerID:   hs.Caller,
		CalleeID:   hs.Callee,
		ExternalID: externalID,
		Metadata:   map[string]string{"transport": "webaudio"},
	})
	if err != nil {
		reply, _ := json.Marshal(handshakeReply{Error: "busy"})
		_ = conn.Write(ctx, websocket.MessageText, reply)
		return fmt.Errorf("webaudio: accept: %w", err)
	}

	reply, _ := json.Marshal(handshakeReply{CallID: c.ID})
	if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
		h.calls.HangupExternal(externalID)
		return fmt.Errorf("webaudio: handshake reply: %w", err)
	}

	cdc, err := newCodec()
	if err != nil {
		h.calls.HangupExternal(externalID)
		return err
	}

	callCtx, stop := context.WithCancel(ctx)
	defer stop()
	leg := newLeg(stop)

	go h.readPump(callCtx, conn, cdc, leg, externalID)
	go h.writePump(callCtx, conn, cdc, leg)

	err = h.calls.ServeCall(callCtx, leg)
	// ServeCall returns when the call left LISTENING; make sure the handler
	// side is fully torn down before the socket closes.
	h.calls.HangupExternal(externalID)
	return err
}

// readPump decodes browser Opus packets into pipeline frames.
func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, cdc *codec, l *leg, externalID string) {
	started := time.Now()
	defer func() {
		l.Close()
		close(l.in)
		h.calls.HangupExternal(externalID)
	}()

	for {
		typ, packet, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}

		pcm48, err := cdc.decode(packet)
		if err != nil {
			h.log.Warn("opus decode failed", "external_id", externalID, "error", err)
			continue
		}
		frame := audio.AudioFrame{
			Data:       audio.ResampleMono16(pcm48, opusSampleRate, pipelineRate),
			SampleRate: pipelineRate,
			Channels:   1,
			Timestamp:  time.Since(started),
		}
		if !l.push(frame) {
			return
		}
	}
}

// writePump encodes agent speech frames back to the browser.
func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, cdc *codec, l *leg) {
	for {
		select {
		case frame := <-l.out:
			pcm48 := audio.ResampleMono16(frame.Data, frame.SampleRate, opusSampleRate)
			for off := 0; off+opusFrameSize*2 <= len(pcm48); off += opusFrameSize * 2 {
				packet, err := cdc.encode(pcm48[off : off+opusFrameSize*2])
				if err != nil {
					h.log.Warn("opus encode failed", "error", err)
					continue
				}
				if err := conn.Write(ctx, websocket.MessageBinary, packet); err != nil {
					return
				}
			}
		case <-l.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func randomID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

package eventsocket

import (
	"context"
	"log/slog"

	"github.com/telfon-ai/telfon/internal/telephony"
)

// Backend bridges the event socket stream to the call adapter: channel
// creation becomes a normalised incoming call, hangups and DTMF are forwarded
// by channel UUID. Call audio arrives separately over the TCP bridge.
type Backend struct {
	client *Client
	calls  *telephony.Adapter
	log    *slog.Logger
}

// NewBackend registers the event handlers on the client. The caller still
// owns the client's Run loop.
func NewBackend(client *Client, calls *telephony.Adapter, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	b := &Backend{client: client, calls: calls, log: log}

	client.On(EventChannelCreate, b.onChannelCreate)
	client.On(EventChannelHangup, b.onChannelHangup)
	client.On(EventDTMF, b.onDTMF)
	return b
}

func (b *Backend) onChannelCreate(e Event) {
	if e.Get("Call-Direction") == "outbound" {
		return
	}

	uuid := e.UUID()
	ic := telephony.IncomingCall{
		CallerID:   e.Get("Caller-Caller-ID-Number"),
		CalleeID:   e.Get("Caller-Destination-Number"),
		ExternalID: uuid,
		Metadata: map[string]string{
			"caller_name":   e.Get("Caller-Caller-ID-Name"),
			"channel_state": e.Get("Channel-State"),
		},
	}

	if _, err := b.calls.Accept(ic); err != nil {
		b.log.Warn("incoming channel rejected", "uuid", uuid, "caller", ic.CallerID, "error", err)
		go func() {
			if err := b.client.Hangup(context.Background(), uuid, "USER_BUSY"); err != nil {
				b.log.Warn("busy hangup failed", "uuid", uuid, "error", err)
			}
		}()
		return
	}

	// Answering makes the switch open the audio stream towards the bridge.
	// Commands cannot run on the event loop goroutine: the reply is routed
	// through it.
	go func() {
		if err := b.client.Answer(context.Background(), uuid); err != nil {
			b.log.Error("channel answer failed", "uuid", uuid, "error", err)
			b.calls.HangupExternal(uuid)
		}
	}()
}

func (b *Backend) onChannelHangup(e Event) {
	uuid := e.UUID()
	if b.calls.HangupExternal(uuid) {
		b.log.Info("channel hung up", "uuid", uuid, "cause", e.Get("Hangup-Cause"))
	}
}

func (b *Backend) onDTMF(e Event) {
	b.calls.NotifyDTMF(e.UUID(), e.Get("DTMF-Digit"))
}

// Transfer hands the channel mapped to the active call over to destination.
func (b *Backend) Transfer(ctx context.Context, externalID, destination string) error {
	return b.client.Transfer(ctx, externalID, destination)
}

// Originate places an outbound call. The resulting channel enters the state
// machine at RINGING via the usual channel-create event.
func (b *Backend) Originate(ctx context.Context, to, from string) (string, error) {
	return b.client.Originate(ctx, to, from)
}

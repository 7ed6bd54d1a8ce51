package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/telfon-ai/telfon/internal/call"
	"github.com/telfon-ai/telfon/internal/policy"
	"github.com/telfon-ai/telfon/internal/telephony"
	"github.com/telfon-ai/telfon/pkg/types"
)

// archiveTimeout bounds the persistence write so a slow database cannot hold
// up call teardown observers.
const archiveTimeout = 10 * time.Second

// Archiver persists finished calls. Wire its OnCallEnd into the call handler
// via [call.WithOnCallEnd]. When the consent gate denies transcript storage
// for the caller, only the bare call record is written.
type Archiver struct {
	store *Store
	gate  policy.ConsentGate
	log   *slog.Logger
}

// NewArchiver builds an archiver. gate may be nil to always store
// transcripts.
func NewArchiver(store *Store, gate policy.ConsentGate, log *slog.Logger) *Archiver {
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{store: store, gate: gate, log: log}
}

// OnCallEnd writes the finished call and its transcript. Failures are logged,
// never propagated: persistence is best-effort.
func (a *Archiver) OnCallEnd(c *call.Call) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	rec := RecordFromCall(c)
	turns := TurnsFromCall(c)

	if a.gate != nil && len(turns) > 0 {
		decision, err := a.gate.Check(ctx, c.CallerID, policy.ConsentTranscript)
		if err != nil {
			a.log.Warn("consent check failed, storing call without transcript", "call_id", c.ID, "error", err)
			turns = nil
		} else if !decision.Allowed {
			a.log.Info("transcript storage denied", "call_id", c.ID, "reason", decision.Reason)
			turns = nil
		}
	}

	if err := a.store.SaveCall(ctx, rec, turns); err != nil {
		a.log.Error("call persistence failed", "call_id", c.ID, "error", err)
		return
	}
	a.log.Debug("call archived", "call_id", c.ID, "turns", len(turns))
}

// RecordFromCall converts an ended call into its persisted form.
func RecordFromCall(c *call.Call) CallRecord {
	rec := CallRecord{
		ID:             c.ID,
		CallerID:       c.CallerID,
		CalleeID:       c.CalleeID,
		ExternalID:     c.Metadata[telephony.MetadataExternalID],
		FinalState:     string(c.State),
		TransferTarget: c.TransferTarget,
		Metadata:       c.Metadata,
		StartedAt:      c.StartedAt,
		EndedAt:        c.EndedAt,
	}
	if conv := c.Conversation(); conv != nil {
		rec.Language = string(conv.ResponseLanguage())
	}
	return rec
}

// TurnsFromCall extracts the dialogue turns of an ended call. System prompt
// turns never reach storage.
func TurnsFromCall(c *call.Call) []TurnRecord {
	conv := c.Conversation()
	if conv == nil {
		return nil
	}

	var out []TurnRecord
	for _, t := range conv.Turns() {
		if t.Role == types.RoleSystem {
			continue
		}
		out = append(out, TurnRecord{
			Role:          t.Role,
			Content:       t.Content,
			Language:      string(t.Language),
			AudioDuration: t.AudioDuration,
			Timestamp:     t.Timestamp,
		})
	}
	return out
}

package store

import (
	"testing"
	"time"

	"github.com/telfon-ai/telfon/internal/call"
)

func TestRecordFromCall(t *testing.T) {
	started := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	c := &call.Call{
		ID:             "abc123",
		CallerID:       "+49711999888",
		CalleeID:       "+49711234567",
		Metadata:       map[string]string{"external_id": "ch-77", "transport": "bridge"},
		State:          call.StateEnded,
		TransferTarget: "+4930555555",
		StartedAt:      started,
		EndedAt:        started.Add(2 * time.Minute),
	}

	rec := RecordFromCall(c)
	if rec.ID != "abc123" || rec.ExternalID != "ch-77" {
		t.Errorf("record = %+v", rec)
	}
	if rec.FinalState != "ENDED" {
		t.Errorf("final state = %q", rec.FinalState)
	}
	if rec.TransferTarget != "+4930555555" {
		t.Errorf("transfer target = %q", rec.TransferTarget)
	}
	if !rec.EndedAt.Equal(started.Add(2 * time.Minute)) {
		t.Errorf("ended at = %v", rec.EndedAt)
	}
	// No conversation was ever attached (call never answered).
	if rec.Language != "" {
		t.Errorf("language = %q, want empty", rec.Language)
	}
}

func TestTurnsFromCall_NoConversation(t *testing.T) {
	c := &call.Call{ID: "x", State: call.StateEnded}
	if turns := TurnsFromCall(c); turns != nil {
		t.Errorf("turns = %v, want nil", turns)
	}
}

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id              TEXT         PRIMARY KEY,
    caller_id       TEXT         NOT NULL DEFAULT '',
    callee_id       TEXT         NOT NULL DEFAULT '',
    external_id     TEXT         NOT NULL DEFAULT '',
    final_state     TEXT         NOT NULL,
    transfer_target TEXT         NOT NULL DEFAULT '',
    language        TEXT         NOT NULL DEFAULT '',
    metadata        JSONB        NOT NULL DEFAULT '{}',
    started_at      TIMESTAMPTZ,
    ended_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at);

CREATE INDEX IF NOT EXISTS idx_calls_caller_id
    ON calls (caller_id);
`

const ddlTranscriptTurns = `
CREATE TABLE IF NOT EXISTS transcript_turns (
    id        BIGSERIAL    PRIMARY KEY,
    call_id   TEXT         NOT NULL REFERENCES calls (id) ON DELETE CASCADE,
    role      TEXT         NOT NULL,
    content   TEXT         NOT NULL,
    language  TEXT         NOT NULL DEFAULT '',
    audio_ns  BIGINT       NOT NULL DEFAULT 0,
    timestamp TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_call_id
    ON transcript_turns (call_id);

CREATE INDEX IF NOT EXISTS idx_turns_fts
    ON transcript_turns USING GIN (to_tsvector('german', content));
`

// Migrate creates the tables and indexes if they do not exist. It is
// idempotent and safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlCalls, ddlTranscriptTurns} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}

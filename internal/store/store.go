// Package store persists finished calls and their transcripts in PostgreSQL.
// Writes are best-effort: a database outage never blocks or fails live calls.
//
// Usage:
//
//	st, err := store.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	archiver := store.NewArchiver(st, gate, logger)
//	handler := call.NewHandler(engine, vadEngine, cfg, call.WithOnCallEnd(archiver.OnCallEnd))
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CallRecord is the persisted form of one finished call.
type CallRecord struct {
	ID             string
	CallerID       string
	CalleeID       string
	ExternalID     string
	FinalState     string
	TransferTarget string
	Language       string
	Metadata       map[string]string
	StartedAt      time.Time
	EndedAt        time.Time
}

// TurnRecord is one persisted transcript turn.
type TurnRecord struct {
	Role          string
	Content       string
	Language      string
	AudioDuration time.Duration
	Timestamp     time.Time
}

// Store wraps the PostgreSQL connection pool. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks database connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveCall writes the call record and its transcript in one transaction.
func (s *Store) SaveCall(ctx context.Context, rec CallRecord, turns []TurnRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertCall = `
		INSERT INTO calls
		    (id, caller_id, callee_id, external_id, final_state, transfer_target, language, metadata, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	if _, err := tx.Exec(ctx, insertCall,
		rec.ID,
		rec.CallerID,
		rec.CalleeID,
		rec.ExternalID,
		rec.FinalState,
		rec.TransferTarget,
		rec.Language,
		rec.Metadata,
		nullable(rec.StartedAt),
		nullable(rec.EndedAt),
	); err != nil {
		return fmt.Errorf("store: insert call %s: %w", rec.ID, err)
	}

	const insertTurn = `
		INSERT INTO transcript_turns
		    (call_id, role, content, language, audio_ns, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`

	for _, t := range turns {
		if _, err := tx.Exec(ctx, insertTurn,
			rec.ID,
			t.Role,
			t.Content,
			t.Language,
			t.AudioDuration.Nanoseconds(),
			t.Timestamp,
		); err != nil {
			return fmt.Errorf("store: insert turn for %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit %s: %w", rec.ID, err)
	}
	return nil
}

// CallByID returns one persisted call.
func (s *Store) CallByID(ctx context.Context, id string) (CallRecord, error) {
	const q = `
		SELECT id, caller_id, callee_id, external_id, final_state, transfer_target, language, metadata, started_at, ended_at
		FROM   calls
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return CallRecord{}, fmt.Errorf("store: call by id: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanCall)
	if err != nil {
		return CallRecord{}, fmt.Errorf("store: call %s: %w", id, err)
	}
	return rec, nil
}

// RecentCalls returns the most recently started calls, newest first.
func (s *Store) RecentCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	const q = `
		SELECT id, caller_id, callee_id, external_id, final_state, transfer_target, language, metadata, started_at, ended_at
		FROM   calls
		ORDER  BY started_at DESC NULLS LAST
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent calls: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanCall)
	if err != nil {
		return nil, fmt.Errorf("store: scan calls: %w", err)
	}
	return recs, nil
}

// TurnsForCall returns the transcript of one call, oldest turn first.
func (s *Store) TurnsForCall(ctx context.Context, callID string) ([]TurnRecord, error) {
	const q = `
		SELECT role, content, language, audio_ns, timestamp
		FROM   transcript_turns
		WHERE  call_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("store: turns for call: %w", err)
	}
	turns, err := pgx.CollectRows(rows, scanTurn)
	if err != nil {
		return nil, fmt.Errorf("store: scan turns: %w", err)
	}
	return turns, nil
}

// SearchTranscripts runs a German full-text search over turn contents and
// returns the ids of calls with matching turns, newest first.
func (s *Store) SearchTranscripts(ctx context.Context, query string, limit int) ([]string, error) {
	const q = `
		SELECT DISTINCT t.call_id, max(t.timestamp) AS latest
		FROM   transcript_turns t
		WHERE  to_tsvector('german', t.content) @@ plainto_tsquery('german', $1)
		GROUP  BY t.call_id
		ORDER  BY latest DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search transcripts: %w", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var id string
		var latest time.Time
		err := row.Scan(&id, &latest)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan search results: %w", err)
	}
	return ids, nil
}

func scanCall(row pgx.CollectableRow) (CallRecord, error) {
	var (
		rec                CallRecord
		startedAt, endedAt *time.Time
	)
	if err := row.Scan(
		&rec.ID,
		&rec.CallerID,
		&rec.CalleeID,
		&rec.ExternalID,
		&rec.FinalState,
		&rec.TransferTarget,
		&rec.Language,
		&rec.Metadata,
		&startedAt,
		&endedAt,
	); err != nil {
		return CallRecord{}, err
	}
	if startedAt != nil {
		rec.StartedAt = *startedAt
	}
	if endedAt != nil {
		rec.EndedAt = *endedAt
	}
	return rec, nil
}

func scanTurn(row pgx.CollectableRow) (TurnRecord, error) {
	var (
		t       TurnRecord
		audioNS int64
	)
	if err := row.Scan(&t.Role, &t.Content, &t.Language, &audioNS, &t.Timestamp); err != nil {
		return TurnRecord{}, err
	}
	t.AudioDuration = time.Duration(audioNS)
	return t, nil
}

// nullable maps the zero time to NULL.
func nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

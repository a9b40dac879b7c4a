// Package archive writes finished call transcripts to an optional
// Postgres database for long-term retention.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxbridge/voxbridge/internal/bridge"
)

const schema = `CREATE TABLE IF NOT EXISTS voice_transcripts (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	thread_id TEXT NOT NULL DEFAULT '',
	workflow_slug TEXT NOT NULL DEFAULT '',
	caller TEXT NOT NULL DEFAULT '',
	called TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	seq INT NOT NULL,
	role TEXT NOT NULL DEFAULT '',
	transcript TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Archive is a Postgres transcript sink.
type Archive struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to Postgres and ensures the transcript table exists.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Archive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to archive database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring transcript table: %w", err)
	}
	logger.Info("transcript archive connected")
	return &Archive{pool: pool, logger: logger.With("subsystem", "archive")}, nil
}

// Close releases the connection pool.
func (a *Archive) Close() {
	a.pool.Close()
}

// Call identifies the call a batch of transcripts belongs to.
type Call struct {
	SessionID    string
	ThreadID     string
	WorkflowSlug string
	Caller       string
	Called       string
	StartedAt    time.Time
}

// WriteTranscripts stores one call's transcripts in order. Empty batches
// are a no-op.
func (a *Archive) WriteTranscripts(ctx context.Context, call Call, transcripts []bridge.Transcript) error {
	if len(transcripts) == 0 {
		return nil
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, tr := range transcripts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO voice_transcripts (session_id, thread_id, workflow_slug, caller, called, started_at, seq, role, transcript)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			call.SessionID, call.ThreadID, call.WorkflowSlug, call.Caller, call.Called,
			call.StartedAt.UTC(), i, tr.Role, tr.Text,
		); err != nil {
			return fmt.Errorf("inserting transcript %d: %w", i, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing archive transaction: %w", err)
	}
	return nil
}

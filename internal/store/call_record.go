package store

import (
	"context"
	"fmt"
	"time"
)

// CallRecord is one finished call's summary row.
type CallRecord struct {
	ID            int64
	SessionID     string
	ThreadID      string
	Caller        string
	Called        string
	WorkflowSlug  string
	StartedAt     time.Time
	Duration      time.Duration
	InboundBytes  int64
	OutboundBytes int64
	Error         string
	CreatedAt     time.Time
}

// InsertCallRecord persists one finished call.
func (s *Store) InsertCallRecord(ctx context.Context, r *CallRecord) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO call_records (session_id, thread_id, caller, called, workflow_slug,
		 started_at, duration_ms, inbound_bytes, outbound_bytes, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.ThreadID, r.Caller, r.Called, r.WorkflowSlug,
		r.StartedAt.UTC(), r.Duration.Milliseconds(), r.InboundBytes, r.OutboundBytes, r.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	r.ID = id
	return nil
}

// CallCounts returns totals for finished calls, split by outcome.
func (s *Store) CallCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT CASE WHEN error = '' THEN 'completed' ELSE 'failed' END AS outcome, COUNT(*)
		 FROM call_records GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("counting call records: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var (
			outcome string
			n       int64
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scanning call counts: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// RecentCallRecords returns up to limit records, newest first.
func (s *Store) RecentCallRecords(ctx context.Context, limit int) ([]CallRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, thread_id, caller, called, workflow_slug,
		 started_at, duration_ms, inbound_bytes, outbound_bytes, error, created_at
		 FROM call_records ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying call records: %w", err)
	}
	defer rows.Close()

	var records []CallRecord
	for rows.Next() {
		var (
			r          CallRecord
			durationMS int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ThreadID, &r.Caller, &r.Called,
			&r.WorkflowSlug, &r.StartedAt, &durationMS, &r.InboundBytes,
			&r.OutboundBytes, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning call record: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, r)
	}
	return records, rows.Err()
}

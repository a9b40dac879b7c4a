package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Thread statuses.
const (
	ThreadActive   = "active"
	ThreadWaiting  = "waiting"
	ThreadFinished = "finished"
)

// Thread item kinds.
const (
	ItemTranscript = "transcript"
	ItemWaitState  = "wait_state"
)

// Thread is one conversation, created at call admission.
type Thread struct {
	ID           string
	WorkflowSlug string
	Caller       string
	Called       string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ThreadItem is one entry of a thread's history.
type ThreadItem struct {
	ID        int64
	ThreadID  string
	Kind      string
	Content   string
	CreatedAt time.Time
}

// CreateThread inserts a thread row. Status defaults to active.
func (s *Store) CreateThread(ctx context.Context, t *Thread) error {
	if t.Status == "" {
		t.Status = ThreadActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, workflow_slug, caller, called, status) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowSlug, t.Caller, t.Called, t.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting thread: %w", err)
	}
	return nil
}

// GetThread returns a thread by id, or ErrNotFound.
func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	var t Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_slug, caller, called, status, created_at, updated_at
		 FROM threads WHERE id = ?`, id,
	).Scan(&t.ID, &t.WorkflowSlug, &t.Caller, &t.Called, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	return &t, nil
}

// SetThreadStatus updates a thread's lifecycle status.
func (s *Store) SetThreadStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ?, updated_at = datetime('now') WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("updating thread status: %w", err)
	}
	return nil
}

// AddThreadItem appends one history item.
func (s *Store) AddThreadItem(ctx context.Context, threadID, kind, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_items (thread_id, kind, content) VALUES (?, ?, ?)`,
		threadID, kind, content)
	if err != nil {
		return fmt.Errorf("inserting thread item: %w", err)
	}
	return nil
}

// ThreadItems returns a thread's history in insertion order.
func (s *Store) ThreadItems(ctx context.Context, threadID string) ([]ThreadItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, kind, content, created_at
		 FROM thread_items WHERE thread_id = ? ORDER BY id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying thread items: %w", err)
	}
	defer rows.Close()

	var items []ThreadItem
	for rows.Next() {
		var it ThreadItem
		if err := rows.Scan(&it.ID, &it.ThreadID, &it.Kind, &it.Content, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning thread item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// SetWaitState marks the thread as waiting on the voice call and records
// the wait-state payload as a history item.
func (s *Store) SetWaitState(ctx context.Context, threadID, content string) error {
	if err := s.SetThreadStatus(ctx, threadID, ThreadWaiting); err != nil {
		return err
	}
	return s.AddThreadItem(ctx, threadID, ItemWaitState, content)
}

// ClearWaitState removes wait-state items and returns the thread to
// active. Finalize calls this before persisting transcripts.
func (s *Store) ClearWaitState(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM thread_items WHERE thread_id = ? AND kind = ?`, threadID, ItemWaitState); err != nil {
		return fmt.Errorf("deleting wait state: %w", err)
	}
	return s.SetThreadStatus(ctx, threadID, ThreadActive)
}

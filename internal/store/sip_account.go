package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SIPAccount maps a trunk-side SIP user to a workflow.
type SIPAccount struct {
	ID           int64
	Username     string
	DisplayName  string
	WorkflowSlug string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateSIPAccount inserts a new account.
func (s *Store) CreateSIPAccount(ctx context.Context, a *SIPAccount) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO sip_accounts (username, display_name, workflow_slug, active)
		 VALUES (?, ?, ?, ?)`,
		a.Username, a.DisplayName, a.WorkflowSlug, a.Active,
	)
	if err != nil {
		return fmt.Errorf("inserting sip account: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	a.ID = id
	return nil
}

// ActiveSIPAccountByUsername returns the active account for a SIP username,
// or ErrNotFound.
func (s *Store) ActiveSIPAccountByUsername(ctx context.Context, username string) (*SIPAccount, error) {
	var a SIPAccount
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, workflow_slug, active, created_at, updated_at
		 FROM sip_accounts WHERE username = ? AND active = 1`, username,
	).Scan(&a.ID, &a.Username, &a.DisplayName, &a.WorkflowSlug, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sip account %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying sip account: %w", err)
	}
	return &a, nil
}

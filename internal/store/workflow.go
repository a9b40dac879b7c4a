package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/voxbridge/voxbridge/internal/workflow"
)

// CreateWorkflow stores a new workflow version and marks it current,
// demoting prior versions of the same slug.
func (s *Store) CreateWorkflow(ctx context.Context, slug string, version int, graphJSON []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET is_current = 0, updated_at = datetime('now') WHERE slug = ?`, slug); err != nil {
		return fmt.Errorf("demoting prior versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (slug, version, graph, is_current) VALUES (?, ?, ?, 1)`,
		slug, version, string(graphJSON)); err != nil {
		return fmt.Errorf("inserting workflow: %w", err)
	}
	return tx.Commit()
}

// WorkflowForAccount loads the current workflow bound to a SIP account.
// Implements workflow.Store.
func (s *Store) WorkflowForAccount(ctx context.Context, sipAccountID int64) (*workflow.Definition, error) {
	var slug string
	err := s.db.QueryRowContext(ctx,
		`SELECT workflow_slug FROM sip_accounts WHERE id = ? AND active = 1`, sipAccountID,
	).Scan(&slug)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && slug == "") {
		return nil, fmt.Errorf("account %d: %w", sipAccountID, workflow.ErrWorkflowNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying account workflow: %w", err)
	}
	return s.WorkflowBySlug(ctx, slug)
}

// WorkflowBySlug loads the current version of a workflow and merges in any
// routes from the telephony_routes table. Implements workflow.Store.
func (s *Store) WorkflowBySlug(ctx context.Context, slug string) (*workflow.Definition, error) {
	var (
		id      int64
		version int
		graph   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, version, graph FROM workflows WHERE slug = ? AND is_current = 1`, slug,
	).Scan(&id, &version, &graph)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %q: %w", slug, workflow.ErrWorkflowNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying workflow: %w", err)
	}

	def, err := workflow.ParseDefinition(id, slug, version, []byte(graph))
	if err != nil {
		return nil, fmt.Errorf("workflow %q: %w", slug, err)
	}

	routes, err := s.routesForWorkflow(ctx, slug)
	if err != nil {
		return nil, err
	}
	def.AddRoutes(routes...)
	return def, nil
}

// CreateTelephonyRoute stores one table-backed route for a workflow.
func (s *Store) CreateTelephonyRoute(ctx context.Context, slug string, route workflow.Route) error {
	numbers, err := json.Marshal(route.PhoneNumbers)
	if err != nil {
		return fmt.Errorf("encoding phone numbers: %w", err)
	}
	prefixes, err := json.Marshal(route.Prefixes)
	if err != nil {
		return fmt.Errorf("encoding prefixes: %w", err)
	}
	overrides, err := json.Marshal(route.Overrides)
	if err != nil {
		return fmt.Errorf("encoding overrides: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO telephony_routes (workflow_slug, label, phone_numbers, prefixes, priority, overrides, is_default)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		slug, route.Label, string(numbers), string(prefixes), route.Priority, string(overrides), route.IsDefault,
	)
	if err != nil {
		return fmt.Errorf("inserting telephony route: %w", err)
	}
	return nil
}

func (s *Store) routesForWorkflow(ctx context.Context, slug string) ([]workflow.Route, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT label, phone_numbers, prefixes, priority, overrides, is_default
		 FROM telephony_routes WHERE workflow_slug = ? ORDER BY priority, id`, slug)
	if err != nil {
		return nil, fmt.Errorf("querying telephony routes: %w", err)
	}
	defer rows.Close()

	var routes []workflow.Route
	for rows.Next() {
		var (
			r         workflow.Route
			numbers   string
			prefixes  string
			overrides string
		)
		if err := rows.Scan(&r.Label, &numbers, &prefixes, &r.Priority, &overrides, &r.IsDefault); err != nil {
			return nil, fmt.Errorf("scanning telephony route: %w", err)
		}
		if err := json.Unmarshal([]byte(numbers), &r.PhoneNumbers); err != nil {
			return nil, fmt.Errorf("decoding phone numbers: %w", err)
		}
		if err := json.Unmarshal([]byte(prefixes), &r.Prefixes); err != nil {
			return nil, fmt.Errorf("decoding prefixes: %w", err)
		}
		if err := json.Unmarshal([]byte(overrides), &r.Overrides); err != nil {
			return nil, fmt.Errorf("decoding overrides: %w", err)
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

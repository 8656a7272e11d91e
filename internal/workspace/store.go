package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/agentexec/internal/db"
)

// Store persists Resources.
type Store interface {
	Create(ctx context.Context, r *Resource) error
	Get(ctx context.Context, id string) (*Resource, error)
	// GetByExecution returns the newest resource for executionID.
	GetByExecution(ctx context.Context, executionID string) (*Resource, error)
	Update(ctx context.Context, r *Resource) error
}

// SQLStore implements Store with sqlx.
type SQLStore struct {
	db *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the store and its table.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workspace_resources (
			id            TEXT PRIMARY KEY,
			workspace_id  TEXT NOT NULL,
			experiment_id TEXT,
			execution_id  TEXT NOT NULL,
			repo_url      TEXT,
			branch_name   TEXT NOT NULL DEFAULT '',
			base_branch   TEXT NOT NULL DEFAULT '',
			path          TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			internal_id   TEXT NOT NULL DEFAULT '',
			pr_url        TEXT NOT NULL DEFAULT '',
			pr_number     INTEGER NOT NULL DEFAULT 0,
			commit_ref    TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL,
			finalized_at  TIMESTAMP,
			cleaned_at    TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workspace_resources_execution ON workspace_resources(execution_id)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Writer().Exec(stmt); err != nil {
			return nil, fmt.Errorf("workspace resources schema init: %w", err)
		}
	}
	return &SQLStore{db: pool}, nil
}

const resourceColumns = `id, workspace_id, experiment_id, execution_id, repo_url, branch_name, base_branch, path,
	status, internal_id, pr_url, pr_number, commit_ref, error_message, created_at, updated_at, finalized_at, cleaned_at`

func (s *SQLStore) Create(ctx context.Context, r *Resource) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	w := s.db.Writer()
	_, err := w.NamedExecContext(ctx, `
		INSERT INTO workspace_resources (`+resourceColumns+`) VALUES (
			:id, :workspace_id, :experiment_id, :execution_id, :repo_url, :branch_name, :base_branch, :path,
			:status, :internal_id, :pr_url, :pr_number, :commit_ref, :error_message, :created_at, :updated_at,
			:finalized_at, :cleaned_at)`, r)
	if err != nil {
		return fmt.Errorf("insert workspace resource: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Resource, error) {
	r := s.db.Reader()
	var res Resource
	err := r.GetContext(ctx, &res, r.Rebind(`SELECT `+resourceColumns+` FROM workspace_resources WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace resource %s: %w", id, err)
	}
	return &res, nil
}

func (s *SQLStore) GetByExecution(ctx context.Context, executionID string) (*Resource, error) {
	r := s.db.Reader()
	var res Resource
	err := r.GetContext(ctx, &res, r.Rebind(`SELECT `+resourceColumns+` FROM workspace_resources
		WHERE execution_id = ? ORDER BY created_at DESC LIMIT 1`), executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace resource for execution %s: %w", executionID, err)
	}
	return &res, nil
}

// Update writes every mutable column of r.
func (s *SQLStore) Update(ctx context.Context, r *Resource) error {
	r.UpdatedAt = time.Now().UTC()
	w := s.db.Writer()
	res, err := w.NamedExecContext(ctx, `
		UPDATE workspace_resources SET
			repo_url = :repo_url, branch_name = :branch_name, base_branch = :base_branch, path = :path,
			status = :status, internal_id = :internal_id, pr_url = :pr_url, pr_number = :pr_number,
			commit_ref = :commit_ref, error_message = :error_message, updated_at = :updated_at,
			finalized_at = :finalized_at, cleaned_at = :cleaned_at
		WHERE id = :id`, r)
	if err != nil {
		return fmt.Errorf("update workspace resource %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

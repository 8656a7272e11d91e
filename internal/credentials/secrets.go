package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kandev/agentexec/internal/db"
)

// Well-known workspace secret names.
const (
	SecretGitHubOAuthToken = "github_oauth_token"
	SecretGitHubToken      = "github_token"
	SecretAnthropicAPIKey  = "anthropic_api_key"
	SecretOpenAIAPIKey     = "openai_api_key"
	SecretGeminiAPIKey     = "gemini_api_key"
)

// SecretInfo describes a stored secret without its value.
type SecretInfo struct {
	WorkspaceID string    `json:"workspaceId" db:"workspace_id"`
	Name        string    `json:"name" db:"name"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// SecretStore keeps per-workspace secrets encrypted at rest.
type SecretStore interface {
	Put(ctx context.Context, workspaceID, name, value string) error
	// Get returns ErrNotFound when the secret is missing.
	Get(ctx context.Context, workspaceID, name string) (string, error)
	Delete(ctx context.Context, workspaceID, name string) error
	List(ctx context.Context, workspaceID string) ([]SecretInfo, error)
}

// SQLSecretStore implements SecretStore with sqlx.
type SQLSecretStore struct {
	db  *db.Pool
	key *MasterKey
}

var _ SecretStore = (*SQLSecretStore)(nil)

// NewSQLSecretStore creates the store and its table.
func NewSQLSecretStore(pool *db.Pool, key *MasterKey) (*SQLSecretStore, error) {
	s := &SQLSecretStore{db: pool, key: key}
	_, err := pool.Writer().Exec(`
	CREATE TABLE IF NOT EXISTS workspace_secrets (
		workspace_id TEXT NOT NULL,
		name         TEXT NOT NULL,
		sealed_value TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		updated_at   TIMESTAMP NOT NULL,
		PRIMARY KEY (workspace_id, name)
	)`)
	if err != nil {
		return nil, fmt.Errorf("workspace secrets schema init: %w", err)
	}
	return s, nil
}

func (s *SQLSecretStore) Put(ctx context.Context, workspaceID, name, value string) error {
	if workspaceID == "" || name == "" {
		return fmt.Errorf("workspace id and secret name are required")
	}
	sealed, err := s.key.Seal([]byte(value))
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}
	now := time.Now().UTC()
	w := s.db.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO workspace_secrets (workspace_id, name, sealed_value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, name) DO UPDATE SET sealed_value = excluded.sealed_value, updated_at = excluded.updated_at`),
		workspaceID, name, sealed, now, now)
	if err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

func (s *SQLSecretStore) Get(ctx context.Context, workspaceID, name string) (string, error) {
	r := s.db.Reader()
	var sealed string
	err := r.GetContext(ctx, &sealed, r.Rebind(`SELECT sealed_value FROM workspace_secrets WHERE workspace_id = ? AND name = ?`), workspaceID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get secret: %w", err)
	}
	plaintext, err := s.key.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %s: %w", name, err)
	}
	return string(plaintext), nil
}

func (s *SQLSecretStore) Delete(ctx context.Context, workspaceID, name string) error {
	w := s.db.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM workspace_secrets WHERE workspace_id = ? AND name = ?`), workspaceID, name)
	return err
}

func (s *SQLSecretStore) List(ctx context.Context, workspaceID string) ([]SecretInfo, error) {
	r := s.db.Reader()
	var out []SecretInfo
	err := r.SelectContext(ctx, &out, r.Rebind(`SELECT workspace_id, name, updated_at FROM workspace_secrets WHERE workspace_id = ? ORDER BY name`), workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	return out, nil
}

package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/agentexec/internal/db"
)

var (
	// ErrNotFound is returned for missing keys and secrets.
	ErrNotFound = errors.New("credential not found")
	// ErrRevoked is returned when verifying a revoked key.
	ErrRevoked = errors.New("api key revoked")
)

// KeyPrefix marks keys issued by this service.
const KeyPrefix = "axk_"

// APIKey is the stored form of a scoped key. The secret itself is only
// returned once, from IssueScopedKey.
type APIKey struct {
	ID        string     `json:"id" db:"id"`
	Principal string     `json:"principal" db:"principal"`
	Name      string     `json:"name" db:"name"`
	Scope     string     `json:"scope" db:"scope"`
	Prefix    string     `json:"prefix" db:"prefix"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	RevokedAt *time.Time `json:"revokedAt,omitempty" db:"revoked_at"`
}

// IssuedKey is an APIKey plus its plaintext secret.
type IssuedKey struct {
	APIKey
	Secret string `json:"secret"`
}

// KeyStore issues and revokes scoped API keys handed to agents.
type KeyStore interface {
	IssueScopedKey(ctx context.Context, principal, scope, name string) (*IssuedKey, error)
	// ListKeys returns the principal's unrevoked keys.
	ListKeys(ctx context.Context, principal string) ([]*APIKey, error)
	RevokeKey(ctx context.Context, principal, keyID string) error
}

// SQLKeyStore implements KeyStore with sqlx. Only SHA-256 hashes of
// secrets are stored.
type SQLKeyStore struct {
	db *db.Pool
}

var _ KeyStore = (*SQLKeyStore)(nil)

// NewSQLKeyStore creates the store and its table.
func NewSQLKeyStore(pool *db.Pool) (*SQLKeyStore, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id         TEXT PRIMARY KEY,
			principal  TEXT NOT NULL,
			name       TEXT NOT NULL,
			scope      TEXT NOT NULL,
			prefix     TEXT NOT NULL,
			key_hash   TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP NOT NULL,
			revoked_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_principal ON api_keys(principal)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Writer().Exec(stmt); err != nil {
			return nil, fmt.Errorf("api keys schema init: %w", err)
		}
	}
	return &SQLKeyStore{db: pool}, nil
}

func hashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func (s *SQLKeyStore) IssueScopedKey(ctx context.Context, principal, scope, name string) (*IssuedKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	secret := KeyPrefix + hex.EncodeToString(buf)
	key := &IssuedKey{
		APIKey: APIKey{
			ID:        uuid.New().String(),
			Principal: principal,
			Name:      name,
			Scope:     scope,
			Prefix:    secret[:len(KeyPrefix)+6],
			CreatedAt: time.Now().UTC(),
		},
		Secret: secret,
	}
	w := s.db.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO api_keys (id, principal, name, scope, prefix, key_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		key.ID, key.Principal, key.Name, key.Scope, key.Prefix, hashKey(secret), key.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert api key: %w", err)
	}
	return key, nil
}

func (s *SQLKeyStore) ListKeys(ctx context.Context, principal string) ([]*APIKey, error) {
	r := s.db.Reader()
	var keys []*APIKey
	err := r.SelectContext(ctx, &keys, r.Rebind(`
		SELECT id, principal, name, scope, prefix, created_at, revoked_at
		FROM api_keys WHERE principal = ? AND revoked_at IS NULL ORDER BY created_at`), principal)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

func (s *SQLKeyStore) RevokeKey(ctx context.Context, principal, keyID string) error {
	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE api_keys SET revoked_at = ? WHERE id = ? AND principal = ? AND revoked_at IS NULL`),
		time.Now().UTC(), keyID, principal)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Verify resolves a presented secret to its key. Revoked keys return
// ErrRevoked.
func (s *SQLKeyStore) Verify(ctx context.Context, secret string) (*APIKey, error) {
	r := s.db.Reader()
	var key APIKey
	err := r.GetContext(ctx, &key, r.Rebind(`
		SELECT id, principal, name, scope, prefix, created_at, revoked_at
		FROM api_keys WHERE key_hash = ?`), hashKey(secret))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("verify api key: %w", err)
	}
	if key.RevokedAt != nil {
		return nil, ErrRevoked
	}
	return &key, nil
}

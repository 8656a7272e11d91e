package terminal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/agentexec/internal/db"
)

// Store persists sessions and their logs.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetActiveByProcess(ctx context.Context, processID string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	AppendLog(ctx context.Context, e *LogEntry) error
	// RecentLogs returns the last limit entries of the given types, oldest
	// first. No types means all types.
	RecentLogs(ctx context.Context, sessionID string, types []LogType, limit int) ([]*LogEntry, error)
}

// SQLStore implements Store with sqlx.
type SQLStore struct {
	db *db.Pool

	seqMu   sync.Mutex
	lastSeq int64
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the store and its tables.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS terminal_sessions (
			id                 TEXT PRIMARY KEY,
			workspace_id       TEXT NOT NULL DEFAULT '',
			process_id         TEXT NOT NULL,
			runtime_session_id TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL,
			width              INTEGER NOT NULL DEFAULT 0,
			height             INTEGER NOT NULL DEFAULT 0,
			attached_user_id   TEXT,
			last_activity_at   TIMESTAMP NOT NULL,
			upstream_endpoint  TEXT,
			termination_reason TEXT NOT NULL DEFAULT '',
			transcript_url     TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMP NOT NULL,
			terminated_at      TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_terminal_sessions_process ON terminal_sessions(process_id, status)`,
		`CREATE TABLE IF NOT EXISTS terminal_logs (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq        BIGINT NOT NULL,
			type       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_terminal_logs_session ON terminal_logs(session_id, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Writer().Exec(stmt); err != nil {
			return nil, fmt.Errorf("terminal schema init: %w", err)
		}
	}
	return &SQLStore{db: pool}, nil
}

const sessionColumns = `id, workspace_id, process_id, runtime_session_id, status, width, height, attached_user_id,
	last_activity_at, upstream_endpoint, termination_reason, transcript_url, created_at, terminated_at`

func (s *SQLStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.LastActivityAt = now
	_, err := s.db.Writer().NamedExecContext(ctx, `INSERT INTO terminal_sessions (`+sessionColumns+`) VALUES (
		:id, :workspace_id, :process_id, :runtime_session_id, :status, :width, :height, :attached_user_id,
		:last_activity_at, :upstream_endpoint, :termination_reason, :transcript_url, :created_at, :terminated_at)`, sess)
	if err != nil {
		return fmt.Errorf("insert terminal session: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	r := s.db.Reader()
	var sess Session
	err := r.GetContext(ctx, &sess, r.Rebind(`SELECT `+sessionColumns+` FROM terminal_sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get terminal session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *SQLStore) GetActiveByProcess(ctx context.Context, processID string) (*Session, error) {
	w := s.db.Writer()
	var sess Session
	err := w.GetContext(ctx, &sess, w.Rebind(`SELECT `+sessionColumns+` FROM terminal_sessions
		WHERE process_id = ? AND status <> ? ORDER BY created_at DESC LIMIT 1`), processID, string(StatusTerminated))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get terminal session for process %s: %w", processID, err)
	}
	return &sess, nil
}

func (s *SQLStore) UpdateSession(ctx context.Context, sess *Session) error {
	res, err := s.db.Writer().NamedExecContext(ctx, `UPDATE terminal_sessions SET
		status = :status, width = :width, height = :height, attached_user_id = :attached_user_id,
		last_activity_at = :last_activity_at, upstream_endpoint = :upstream_endpoint,
		termination_reason = :termination_reason, transcript_url = :transcript_url, terminated_at = :terminated_at
		WHERE id = :id`, sess)
	if err != nil {
		return fmt.Errorf("update terminal session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// nextSeq returns a strictly increasing sequence seeded from the clock so
// ordering survives restarts.
func (s *SQLStore) nextSeq() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq := time.Now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *SQLStore) AppendLog(ctx context.Context, e *LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.Seq = s.nextSeq()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Writer().NamedExecContext(ctx, `INSERT INTO terminal_logs (id, session_id, seq, type, content, created_at)
		VALUES (:id, :session_id, :seq, :type, :content, :created_at)`, e)
	if err != nil {
		return fmt.Errorf("append terminal log: %w", err)
	}
	return nil
}

func (s *SQLStore) RecentLogs(ctx context.Context, sessionID string, types []LogType, limit int) ([]*LogEntry, error) {
	query := `SELECT id, session_id, seq, type, content, created_at FROM terminal_logs WHERE session_id = ?`
	args := []interface{}{sessionID}
	if len(types) > 0 {
		marks := make([]string, len(types))
		for i, t := range types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		query += " AND type IN (" + strings.Join(marks, ", ") + ")"
	}
	query += " ORDER BY seq DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	r := s.db.Reader()
	var entries []*LogEntry
	if err := r.SelectContext(ctx, &entries, r.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list terminal logs: %w", err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

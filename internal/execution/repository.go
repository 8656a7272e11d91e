package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kandev/agentexec/internal/db"
)

// Repository persists Executions. Status changes go through TransitionStatus,
// which is a compare-and-set on the current status.
type Repository interface {
	Create(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	List(ctx context.Context, filter ListFilter) ([]*Execution, error)
	ListNonTerminal(ctx context.Context) ([]*Execution, error)
	FindActiveByProcessID(ctx context.Context, processID string) (*Execution, error)
	TransitionStatus(ctx context.Context, id string, from, to Status, patch *Patch) error
	Update(ctx context.Context, id string, patch Patch) error
	SetProcessID(ctx context.Context, id, processID string) error
}

// SQLRepository implements Repository on SQLite or PostgreSQL through sqlx.
type SQLRepository struct {
	db *db.Pool
}

// NewSQLRepository creates the repository and its table.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	r := &SQLRepository{db: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("init executions schema: %w", err)
	}
	return r, nil
}

func (r *SQLRepository) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			task_description TEXT NOT NULL,
			agent_kind TEXT NOT NULL,
			status TEXT NOT NULL,
			experiment_id TEXT,
			subgroup_id TEXT,
			config TEXT NOT NULL DEFAULT '{}',
			task_context TEXT NOT NULL DEFAULT '{}',
			workspace_resource_id TEXT NOT NULL DEFAULT '',
			process_id TEXT NOT NULL DEFAULT '',
			runtime_session_id TEXT NOT NULL DEFAULT '',
			terminal_session_id TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '{}',
			error_message TEXT NOT NULL DEFAULT '',
			triggered_by TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_process_id ON executions(process_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workspace_id ON executions(workspace_id)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

type executionRow struct {
	ID                  string         `db:"id"`
	WorkspaceID         string         `db:"workspace_id"`
	TaskDescription     string         `db:"task_description"`
	AgentKind           string         `db:"agent_kind"`
	Status              string         `db:"status"`
	ExperimentID        sql.NullString `db:"experiment_id"`
	SubgroupID          sql.NullString `db:"subgroup_id"`
	Config              string         `db:"config"`
	TaskContext         string         `db:"task_context"`
	WorkspaceResourceID string         `db:"workspace_resource_id"`
	ProcessID           string         `db:"process_id"`
	RuntimeSessionID    string         `db:"runtime_session_id"`
	TerminalSessionID   string         `db:"terminal_session_id"`
	Result              string         `db:"result"`
	ErrorMessage        string         `db:"error_message"`
	TriggeredBy         string         `db:"triggered_by"`
	Metadata            string         `db:"metadata"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
	StartedAt           sql.NullTime   `db:"started_at"`
	CompletedAt         sql.NullTime   `db:"completed_at"`
}

const selectColumns = `id, workspace_id, task_description, agent_kind, status, experiment_id, subgroup_id,
	config, task_context, workspace_resource_id, process_id, runtime_session_id, terminal_session_id,
	result, error_message, triggered_by, metadata, created_at, updated_at, started_at, completed_at`

func (row *executionRow) toExecution() (*Execution, error) {
	e := &Execution{
		ID:                  row.ID,
		WorkspaceID:         row.WorkspaceID,
		TaskDescription:     row.TaskDescription,
		AgentKind:           row.AgentKind,
		Status:              Status(row.Status),
		WorkspaceResourceID: row.WorkspaceResourceID,
		ProcessID:           row.ProcessID,
		RuntimeSessionID:    row.RuntimeSessionID,
		TerminalSessionID:   row.TerminalSessionID,
		ErrorMessage:        row.ErrorMessage,
		TriggeredBy:         row.TriggeredBy,
		CreatedAt:           row.CreatedAt,
		UpdatedAt:           row.UpdatedAt,
	}
	if row.ExperimentID.Valid {
		e.ExperimentID = StringPtr(row.ExperimentID.String)
	}
	if row.SubgroupID.Valid {
		e.SubgroupID = StringPtr(row.SubgroupID.String)
	}
	if row.StartedAt.Valid {
		t := row.StartedAt.Time
		e.StartedAt = &t
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		e.CompletedAt = &t
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  interface{}
	}{
		{"config", row.Config, &e.Config},
		{"task_context", row.TaskContext, &e.TaskContext},
		{"result", row.Result, &e.Result},
		{"metadata", row.Metadata, &e.Metadata},
	} {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode %s for execution %s: %w", f.name, row.ID, err)
		}
	}
	return e, nil
}

func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Create inserts exec, assigning an id and timestamps when unset.
func (r *SQLRepository) Create(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = StatusPending
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now

	cfg, err := marshalJSON(exec.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	taskCtx, err := marshalJSON(nonNilMap(exec.TaskContext))
	if err != nil {
		return fmt.Errorf("encode task context: %w", err)
	}
	result, err := marshalJSON(exec.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	meta, err := marshalJSON(nonNilMap(exec.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	w := r.db.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO executions (
			id, workspace_id, task_description, agent_kind, status, experiment_id, subgroup_id,
			config, task_context, workspace_resource_id, process_id, runtime_session_id, terminal_session_id,
			result, error_message, triggered_by, metadata, created_at, updated_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		exec.ID, exec.WorkspaceID, exec.TaskDescription, exec.AgentKind, string(exec.Status),
		exec.ExperimentID, exec.SubgroupID, cfg, taskCtx, exec.WorkspaceResourceID, exec.ProcessID,
		exec.RuntimeSessionID, exec.TerminalSessionID, result, exec.ErrorMessage, exec.TriggeredBy,
		meta, exec.CreatedAt, exec.UpdatedAt, exec.StartedAt, exec.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// Get loads one execution. A missing row returns ErrNotFound.
func (r *SQLRepository) Get(ctx context.Context, id string) (*Execution, error) {
	return r.getFrom(ctx, r.db.Reader(), id)
}

func (r *SQLRepository) getFrom(ctx context.Context, conn *sqlx.DB, id string) (*Execution, error) {
	var row executionRow
	err := conn.GetContext(ctx, &row, conn.Rebind(`SELECT `+selectColumns+` FROM executions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return row.toExecution()
}

// List returns executions newest first.
func (r *SQLRepository) List(ctx context.Context, filter ListFilter) ([]*Execution, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + selectColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	conn := r.db.Reader()
	var rows []executionRow
	if err := conn.SelectContext(ctx, &rows, conn.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	out := make([]*Execution, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ListNonTerminal returns every in-flight execution, oldest first.
func (r *SQLRepository) ListNonTerminal(ctx context.Context) ([]*Execution, error) {
	execs, err := r.List(ctx, ListFilter{Statuses: NonTerminalStatuses()})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(execs)-1; i < j; i, j = i+1, j-1 {
		execs[i], execs[j] = execs[j], execs[i]
	}
	return execs, nil
}

// FindActiveByProcessID returns the non-terminal execution holding processID.
func (r *SQLRepository) FindActiveByProcessID(ctx context.Context, processID string) (*Execution, error) {
	if processID == "" {
		return nil, ErrNotFound
	}
	conn := r.db.Writer()
	var row executionRow
	err := conn.GetContext(ctx, &row, conn.Rebind(`SELECT `+selectColumns+` FROM executions
		WHERE process_id = ? AND status NOT IN (?, ?, ?)
		ORDER BY created_at DESC LIMIT 1`),
		processID, string(StatusCompleted), string(StatusFailed), string(StatusCancelled))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find execution by process %s: %w", processID, err)
	}
	return row.toExecution()
}

// TransitionStatus moves id from → to if the row is still in from, applying
// patch in the same statement. Terminal targets stamp completed_at.
func (r *SQLRepository) TransitionStatus(ctx context.Context, id string, from, to Status, patch *Patch) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	w := r.db.Writer()
	sets, args, err := r.patchClauses(ctx, id, patch)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	sets = append([]string{"status = ?", "updated_at = ?"}, sets...)
	args = append([]interface{}{string(to), now}, args...)
	if to.IsTerminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}
	args = append(args, id, string(from))

	res, err := w.ExecContext(ctx, w.Rebind(`UPDATE executions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`), args...)
	if err != nil {
		return fmt.Errorf("transition execution %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	current, err := r.getFrom(ctx, w, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, expected %s", ErrStatusConflict, id, current.Status, from)
}

// Update applies patch without touching status.
func (r *SQLRepository) Update(ctx context.Context, id string, patch Patch) error {
	sets, args, err := r.patchClauses(ctx, id, &patch)
	if err != nil {
		return err
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	w := r.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`UPDATE executions SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) patchClauses(ctx context.Context, id string, p *Patch) ([]string, []interface{}, error) {
	if p == nil {
		return nil, nil, nil
	}
	var (
		sets []string
		args []interface{}
	)
	add := func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.WorkspaceResourceID != nil {
		add("workspace_resource_id", *p.WorkspaceResourceID)
	}
	if p.RuntimeSessionID != nil {
		add("runtime_session_id", *p.RuntimeSessionID)
	}
	if p.TerminalSessionID != nil {
		add("terminal_session_id", *p.TerminalSessionID)
	}
	if p.ErrorMessage != nil {
		add("error_message", *p.ErrorMessage)
	}
	if p.StartedAt != nil {
		add("started_at", p.StartedAt.UTC())
	}
	if p.Result != nil {
		raw, err := marshalJSON(p.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("encode result: %w", err)
		}
		add("result", raw)
	}
	if len(p.Metadata) > 0 {
		current, err := r.getFrom(ctx, r.db.Writer(), id)
		if err != nil {
			return nil, nil, err
		}
		merged := nonNilMap(current.Metadata)
		for k, v := range p.Metadata {
			merged[k] = v
		}
		raw, err := marshalJSON(merged)
		if err != nil {
			return nil, nil, fmt.Errorf("encode metadata: %w", err)
		}
		add("metadata", raw)
	}
	return sets, args, nil
}

// SetProcessID records processID on id while id is still spawning, refusing
// when another non-terminal execution already holds it. A row that left
// spawning, for example because it was stopped mid-spawn, yields
// ErrInvalidTransition and the caller owns the orphaned process.
func (r *SQLRepository) SetProcessID(ctx context.Context, id, processID string) error {
	holder, err := r.FindActiveByProcessID(ctx, processID)
	switch {
	case err == nil && holder.ID != id:
		return fmt.Errorf("%w: %s held by %s", ErrProcessInUse, processID, holder.ID)
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}

	w := r.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`UPDATE executions SET process_id = ?, updated_at = ? WHERE id = ? AND status = ?`),
		processID, time.Now().UTC(), id, string(StatusSpawning))
	if err != nil {
		return fmt.Errorf("set process id on %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	current, err := r.getFrom(ctx, w, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, expected %s", ErrInvalidTransition, id, current.Status, StatusSpawning)
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

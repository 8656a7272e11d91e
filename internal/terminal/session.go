// Package terminal tracks the terminal sessions viewers attach to and the
// logged I/O used to replay them.
package terminal

import (
	"errors"
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusPending       Status = "pending"
	StatusConnecting    Status = "connecting"
	StatusActive        Status = "active"
	StatusLoginRequired Status = "login_required"
	StatusDisconnected  Status = "disconnected"
	StatusTerminated    Status = "terminated"
)

// LogType classifies a LogEntry.
type LogType string

const (
	LogStdin  LogType = "stdin"
	LogStdout LogType = "stdout"
	LogStderr LogType = "stderr"
	LogSystem LogType = "system"
)

// MaxLogEntryBytes bounds the content of one LogEntry.
const MaxLogEntryBytes = 4096

var (
	ErrNotFound   = errors.New("terminal session not found")
	ErrTerminated = errors.New("terminal session terminated")
)

// Session is one viewer-facing terminal for an agent process. At most one
// non-terminated session exists per process id.
type Session struct {
	ID                string     `json:"id" db:"id"`
	WorkspaceID       string     `json:"workspaceId" db:"workspace_id"`
	ProcessID         string     `json:"processId" db:"process_id"`
	RuntimeSessionID  string     `json:"runtimeSessionId" db:"runtime_session_id"`
	Status            Status     `json:"status" db:"status"`
	Cols              int        `json:"cols" db:"width"`
	Rows              int        `json:"rows" db:"height"`
	AttachedUserID    *string    `json:"attachedUserId,omitempty" db:"attached_user_id"`
	LastActivityAt    time.Time  `json:"lastActivityAt" db:"last_activity_at"`
	UpstreamEndpoint  *string    `json:"upstreamEndpoint,omitempty" db:"upstream_endpoint"`
	TerminationReason string     `json:"terminationReason,omitempty" db:"termination_reason"`
	TranscriptURL     string     `json:"transcriptUrl,omitempty" db:"transcript_url"`
	CreatedAt         time.Time  `json:"createdAt" db:"created_at"`
	TerminatedAt      *time.Time `json:"terminatedAt,omitempty" db:"terminated_at"`
}

// LogEntry is one logged chunk of terminal I/O.
type LogEntry struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"sessionId" db:"session_id"`
	Seq       int64     `json:"seq" db:"seq"`
	Type      LogType   `json:"type" db:"type"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

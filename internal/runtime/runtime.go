// Package runtime is the uniform process-control surface over agents running
// on this host (PTY) or on a remote runtime (HTTP). The backend is chosen once
// in New.
package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/kandev/agentexec/internal/common/config"
	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/events/bus"
	"github.com/kandev/agentexec/internal/fleet"
	"github.com/kandev/agentexec/internal/metrics"
)

// Mode identifies the backend.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

var (
	// ErrProcessNotFound is returned for unknown process ids.
	ErrProcessNotFound = errors.New("agent process not found")
	// ErrNotInstalled is returned by CheckInstallation when the agent cannot run.
	ErrNotInstalled = errors.New("agent not installed")
)

// SpawnConfig describes an agent launch.
type SpawnConfig struct {
	WorkspaceID string
	ExecutionID string
	AgentKind   string
	Name        string
	Principal   string
	Command     []string
	Dir         string
	Env         map[string]string
	// Detector names the screen detector used for readiness.
	Detector string
	// Timeout, when set, fails an agent that prints nothing in time.
	Timeout    time.Duration
	Cols, Rows int
}

// ProcessHandle is what Spawn returns.
type ProcessHandle struct {
	ProcessID   string    `json:"processId"`
	WorkspaceID string    `json:"workspaceId"`
	StartedAt   time.Time `json:"startedAt"`
	ExitCode    *int      `json:"exitCode,omitempty"`
	Alive       bool      `json:"alive"`
}

// Session identifies a live local process.
type Session struct {
	ProcessID   string    `json:"processId"`
	WorkspaceID string    `json:"workspaceId"`
	StartedAt   time.Time `json:"startedAt"`
}

// Attachment is raw bidirectional access to a process terminal.
type Attachment interface {
	// OnData registers fn for live output and returns an unsubscribe func.
	OnData(fn func([]byte)) (func(), error)
	Write(data []byte) error
	Resize(cols, rows int) error
}

// Runtime controls agent processes.
type Runtime interface {
	Mode() Mode
	// Endpoint is the remote runtime base URL, empty in local mode.
	Endpoint() string
	Spawn(ctx context.Context, cfg SpawnConfig) (*ProcessHandle, error)
	Send(ctx context.Context, processID, message string) error
	Stop(ctx context.Context, processID string) error
	GetLogs(ctx context.Context, processID string, limit int) ([]string, error)
	// GetSession and AttachTerminal return nil when the process is unknown or
	// not reachable from this host.
	GetSession(processID string) *Session
	AttachTerminal(processID string) Attachment
	CheckInstallation(ctx context.Context, agentKind string) error
	Shutdown(ctx context.Context) error
}

// Deps are the collaborators a runtime may need.
type Deps struct {
	Bus     bus.EventBus
	Fleet   fleet.Manager
	Metrics *metrics.Metrics
	Agents  map[string]config.AgentCommandConfig
}

// New picks the backend from cfg.RemoteEndpoint.
func New(cfg config.RuntimeConfig, deps Deps, log *logger.Logger) Runtime {
	if cfg.IsRemote() {
		return NewRemoteRuntime(cfg, deps.Fleet, log)
	}
	return NewLocalRuntime(cfg, deps, log)
}

// Package execution holds the Execution record, its status graph and its
// durable repository.
package execution

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an Execution.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusSpawning     Status = "spawning"
	StatusRunning      Status = "running"
	StatusCapturing    Status = "capturing"
	StatusFinalizing   Status = "finalizing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Agent kinds.
const (
	AgentClaude = "claude"
	AgentCodex  = "codex"
	AgentGemini = "gemini"
	AgentAider  = "aider"
)

// DefaultBaseBranch is used when a request names no base branch.
const DefaultBaseBranch = "main"

var (
	ErrNotFound          = errors.New("execution not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStatusConflict means the row was not in the expected status.
	ErrStatusConflict = errors.New("execution status changed concurrently")
	ErrProcessInUse   = errors.New("process id held by another active execution")
)

// transitions lists the allowed edges. failed and cancelled are reachable from
// every non-terminal status and are added in CanTransition. The edges back to
// pending are used only by restart recovery.
var transitions = map[Status][]Status{
	StatusPending:      {StatusProvisioning, StatusSpawning},
	StatusProvisioning: {StatusSpawning, StatusPending},
	StatusSpawning:     {StatusRunning, StatusPending},
	StatusRunning:      {StatusCapturing},
	StatusCapturing:    {StatusFinalizing, StatusCompleted},
	StatusFinalizing:   {StatusCompleted},
}

// IsTerminal reports whether s is completed, failed or cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProvisioning, StatusSpawning, StatusRunning,
		StatusCapturing, StatusFinalizing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed || to == StatusCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NonTerminalStatuses lists every status an in-flight execution can hold.
func NonTerminalStatuses() []Status {
	return []Status{StatusPending, StatusProvisioning, StatusSpawning, StatusRunning, StatusCapturing, StatusFinalizing}
}

// Config is the caller-supplied configuration blob.
type Config struct {
	RepoURL        string                 `json:"repoUrl,omitempty"`
	BaseBranch     string                 `json:"baseBranch,omitempty"`
	ApprovalPreset string                 `json:"approvalPreset,omitempty"`
	Extras         map[string]interface{} `json:"extras,omitempty"`
}

// Result is what capture records when the agent stops.
type Result struct {
	Summary      string                 `json:"summary,omitempty"`
	ExitCode     *int                   `json:"exitCode,omitempty"`
	Results      map[string]interface{} `json:"results,omitempty"`
	ChangedFiles []string               `json:"changedFiles,omitempty"`
}

// Execution is one attempt to run a coding task. Rows are never deleted.
type Execution struct {
	ID                  string                 `json:"id"`
	WorkspaceID         string                 `json:"workspaceId"`
	TaskDescription     string                 `json:"taskDescription"`
	AgentKind           string                 `json:"agentKind"`
	Status              Status                 `json:"status"`
	ExperimentID        *string                `json:"experimentId,omitempty"`
	SubgroupID          *string                `json:"subgroupId,omitempty"`
	Config              Config                 `json:"config"`
	TaskContext         map[string]interface{} `json:"taskContext,omitempty"`
	WorkspaceResourceID string                 `json:"workspaceResourceId,omitempty"`
	ProcessID           string                 `json:"processId,omitempty"`
	RuntimeSessionID    string                 `json:"runtimeSessionId,omitempty"`
	TerminalSessionID   string                 `json:"terminalSessionId,omitempty"`
	Result              Result                 `json:"result"`
	ErrorMessage        string                 `json:"errorMessage,omitempty"`
	TriggeredBy         string                 `json:"triggeredBy,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt           time.Time              `json:"createdAt"`
	UpdatedAt           time.Time              `json:"updatedAt"`
	StartedAt           *time.Time             `json:"startedAt,omitempty"`
	CompletedAt         *time.Time             `json:"completedAt,omitempty"`
}

// Patch carries optional field updates applied together with a status
// transition or on their own. Nil fields are left unchanged.
type Patch struct {
	WorkspaceResourceID *string
	RuntimeSessionID    *string
	TerminalSessionID   *string
	Result              *Result
	ErrorMessage        *string
	StartedAt           *time.Time
	Metadata            map[string]interface{} // merged into existing metadata
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	WorkspaceID string
	Statuses    []Status
	Limit       int
}

// StringPtr returns &s.
func StringPtr(s string) *string { return &s }

// Package workspace provisions, finalizes and cleans up the working copies
// agents run in, and prepares them with the files and environment an agent
// needs before spawn.
package workspace

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a Resource.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusReady        Status = "ready"
	StatusFinalizing   Status = "finalizing"
	StatusFinalized    Status = "finalized"
	StatusError        Status = "error"
	StatusCleaned      Status = "cleaned"
)

var (
	// ErrNotFound is returned for unknown resources.
	ErrNotFound = errors.New("workspace resource not found")
	// ErrNoCredentials is returned when an operation needs a token and the
	// credential chain resolved none.
	ErrNoCredentials = errors.New("no repository credentials available")
	// ErrInvalidRequest is returned for malformed arguments.
	ErrInvalidRequest = errors.New("invalid workspace request")
)

// Resource is a provisioned working copy. Rows are kept after cleanup.
type Resource struct {
	ID           string     `json:"id" db:"id"`
	WorkspaceID  string     `json:"workspaceId" db:"workspace_id"`
	ExperimentID *string    `json:"experimentId,omitempty" db:"experiment_id"`
	ExecutionID  string     `json:"executionId" db:"execution_id"`
	RepoURL      *string    `json:"repoUrl,omitempty" db:"repo_url"`
	BranchName   string     `json:"branchName" db:"branch_name"`
	BaseBranch   string     `json:"baseBranch" db:"base_branch"`
	Path         string     `json:"path" db:"path"`
	Status       Status     `json:"status" db:"status"`
	InternalID   string     `json:"internalId" db:"internal_id"`
	PRURL        string     `json:"prUrl,omitempty" db:"pr_url"`
	PRNumber     int        `json:"prNumber,omitempty" db:"pr_number"`
	CommitRef    string     `json:"commitRef,omitempty" db:"commit_ref"`
	ErrorMessage string     `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
	FinalizedAt  *time.Time `json:"finalizedAt,omitempty" db:"finalized_at"`
	CleanedAt    *time.Time `json:"cleanedAt,omitempty" db:"cleaned_at"`
}

// Repo returns the repository URL or "".
func (r *Resource) Repo() string {
	if r.RepoURL == nil {
		return ""
	}
	return *r.RepoURL
}

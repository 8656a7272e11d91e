// Package worktree manages the git side of a workspace: a shared clone cache
// per repository, one worktree per execution on its own branch, and the
// commit/push/pull-request step at the end.
package worktree

import "errors"

var (
	// ErrWorktreeExists is returned when a worktree with the same id exists.
	ErrWorktreeExists = errors.New("worktree already exists")

	// ErrWorktreeNotFound is returned when the requested worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrInvalidBaseBranch is returned when the base branch does not exist.
	ErrInvalidBaseBranch = errors.New("base branch does not exist")

	// ErrGitCommandFailed is returned when a git command fails to execute.
	ErrGitCommandFailed = errors.New("git command failed")

	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("invalid worktree request")
)

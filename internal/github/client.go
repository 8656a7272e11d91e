// Package github is a small GitHub REST client authenticated with a personal
// access token. It covers pull request creation and the issue operations the
// API exposes.
package github

import "context"

// Client is the subset of the GitHub API this service uses.
type Client interface {
	GetAuthenticatedUser(ctx context.Context) (string, error)

	// CreatePullRequest opens a PR from req.Head into req.Base.
	CreatePullRequest(ctx context.Context, owner, repo string, req NewPullRequest) (*PullRequest, error)
	// FindPRByBranch returns the open PR for head, or nil.
	FindPRByBranch(ctx context.Context, owner, repo, head string) (*PullRequest, error)

	CreateIssue(ctx context.Context, owner, repo string, req IssueRequest) (*Issue, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error)
	ListIssues(ctx context.Context, owner, repo string, opts ListIssuesOptions) ([]*Issue, error)
	UpdateIssue(ctx context.Context, owner, repo string, number int, update IssueUpdate) (*Issue, error)
	CommentIssue(ctx context.Context, owner, repo string, number int, body string) (*IssueComment, error)
	CloseIssue(ctx context.Context, owner, repo string, number int) (*Issue, error)
}

// ClientFactory builds a client for a token.
type ClientFactory func(token string) Client

// NewPATClientFactory returns a factory producing PAT clients.
func NewPATClientFactory() ClientFactory {
	return func(token string) Client { return NewPATClient(token) }
}

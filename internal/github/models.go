package github

import "time"

// PullRequest is a GitHub pull request.
type PullRequest struct {
	Number     int       `json:"number"`
	Title      string    `json:"title"`
	HTMLURL    string    `json:"htmlUrl"`
	State      string    `json:"state"`
	Draft      bool      `json:"draft"`
	HeadBranch string    `json:"headBranch"`
	HeadSHA    string    `json:"headSha"`
	BaseBranch string    `json:"baseBranch"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NewPullRequest is the payload for CreatePullRequest.
type NewPullRequest struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Draft bool   `json:"draft,omitempty"`
}

// Issue is a GitHub issue.
type Issue struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	State     string     `json:"state"`
	HTMLURL   string     `json:"htmlUrl"`
	Author    string     `json:"author"`
	Labels    []string   `json:"labels"`
	Assignees []string   `json:"assignees"`
	Comments  int        `json:"comments"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ClosedAt  *time.Time `json:"closedAt,omitempty"`
}

// IssueRequest creates an issue.
type IssueRequest struct {
	Title     string   `json:"title"`
	Body      string   `json:"body,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	Assignees []string `json:"assignees,omitempty"`
}

// IssueUpdate patches an issue. Nil fields are left unchanged.
type IssueUpdate struct {
	Title     *string  `json:"title,omitempty"`
	Body      *string  `json:"body,omitempty"`
	State     *string  `json:"state,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	Assignees []string `json:"assignees,omitempty"`
}

// ListIssuesOptions filters ListIssues.
type ListIssuesOptions struct {
	State   string `json:"state,omitempty"` // open, closed, all
	Labels  string `json:"labels,omitempty"`
	PerPage int    `json:"perPage,omitempty"`
	Page    int    `json:"page,omitempty"`
}

// IssueComment is a comment on an issue.
type IssueComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"htmlUrl"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

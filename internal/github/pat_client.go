package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const githubAPIBase = "https://api.github.com"

// ErrNotFound is returned when GitHub answers 404.
var ErrNotFound = errors.New("github resource not found")

// PATClient implements Client using a GitHub Personal Access Token.
type PATClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
	username   string // cached after first GetAuthenticatedUser call
}

// NewPATClient creates a new PAT-based GitHub client.
func NewPATClient(token string) *PATClient {
	return NewPATClientWithBaseURL(token, githubAPIBase)
}

// NewPATClientWithBaseURL targets a GitHub Enterprise or test server.
func NewPATClientWithBaseURL(token, baseURL string) *PATClient {
	return &PATClient{
		token:   token,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *PATClient) GetAuthenticatedUser(ctx context.Context) (string, error) {
	if c.username != "" {
		return c.username, nil
	}
	var user struct {
		Login string `json:"login"`
	}
	if err := c.do(ctx, http.MethodGet, "/user", nil, &user); err != nil {
		return "", err
	}
	c.username = user.Login
	return c.username, nil
}

func (c *PATClient) CreatePullRequest(ctx context.Context, owner, repo string, req NewPullRequest) (*PullRequest, error) {
	var raw patPR
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	if err := c.do(ctx, http.MethodPost, endpoint, req, &raw); err != nil {
		return nil, fmt.Errorf("create PR %s -> %s: %w", req.Head, req.Base, err)
	}
	return raw.convert(), nil
}

func (c *PATClient) FindPRByBranch(ctx context.Context, owner, repo, head string) (*PullRequest, error) {
	var raw []patPR
	endpoint := fmt.Sprintf("/repos/%s/%s/pulls?head=%s&state=open&per_page=1",
		owner, repo, url.QueryEscape(owner+":"+head))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, fmt.Errorf("find PR by branch: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw[0].convert(), nil
}

func (c *PATClient) CreateIssue(ctx context.Context, owner, repo string, req IssueRequest) (*Issue, error) {
	var raw patIssue
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/issues", owner, repo), req, &raw); err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	return raw.convert(), nil
}

func (c *PATClient) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var raw patIssue
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number), nil, &raw); err != nil {
		return nil, fmt.Errorf("get issue #%d: %w", number, err)
	}
	return raw.convert(), nil
}

// ListIssues lists issues, leaving out pull requests, which the issues
// endpoint also returns.
func (c *PATClient) ListIssues(ctx context.Context, owner, repo string, opts ListIssuesOptions) ([]*Issue, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if opts.Labels != "" {
		q.Set("labels", opts.Labels)
	}
	perPage := opts.PerPage
	if perPage <= 0 || perPage > 100 {
		perPage = 30
	}
	q.Set("per_page", strconv.Itoa(perPage))
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}

	var raw []patIssue
	endpoint := fmt.Sprintf("/repos/%s/%s/issues?%s", owner, repo, q.Encode())
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &raw); err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	out := make([]*Issue, 0, len(raw))
	for i := range raw {
		if raw[i].PullRequest != nil {
			continue
		}
		out = append(out, raw[i].convert())
	}
	return out, nil
}

func (c *PATClient) UpdateIssue(ctx context.Context, owner, repo string, number int, update IssueUpdate) (*Issue, error) {
	var raw patIssue
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	if err := c.do(ctx, http.MethodPatch, endpoint, update, &raw); err != nil {
		return nil, fmt.Errorf("update issue #%d: %w", number, err)
	}
	return raw.convert(), nil
}

func (c *PATClient) CommentIssue(ctx context.Context, owner, repo string, number int, body string) (*IssueComment, error) {
	var raw patComment
	endpoint := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	if err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"body": body}, &raw); err != nil {
		return nil, fmt.Errorf("comment on issue #%d: %w", number, err)
	}
	return &IssueComment{
		ID:        raw.ID,
		Body:      raw.Body,
		HTMLURL:   raw.HTMLURL,
		Author:    raw.User.Login,
		CreatedAt: raw.CreatedAt,
	}, nil
}

func (c *PATClient) CloseIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	closed := "closed"
	return c.UpdateIssue(ctx, owner, repo, number, IssueUpdate{State: &closed})
}

func (c *PATClient) do(ctx context.Context, method, endpoint string, payload, result interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, endpoint)
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GitHub API %s returned %d: %s", endpoint, resp.StatusCode, string(msg))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

type patUser struct {
	Login string `json:"login"`
}

// patPR is the JSON shape from the GitHub REST API for PRs.
type patPR struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	HTMLURL   string    `json:"html_url"`
	State     string    `json:"state"`
	Draft     bool      `json:"draft"`
	CreatedAt time.Time `json:"created_at"`
	Head      struct {
		Ref string `json:"ref"`
		SHA string `json:"sha"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

func (raw *patPR) convert() *PullRequest {
	return &PullRequest{
		Number:     raw.Number,
		Title:      raw.Title,
		HTMLURL:    raw.HTMLURL,
		State:      raw.State,
		Draft:      raw.Draft,
		HeadBranch: raw.Head.Ref,
		HeadSHA:    raw.Head.SHA,
		BaseBranch: raw.Base.Ref,
		CreatedAt:  raw.CreatedAt,
	}
}

type patIssue struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	State     string     `json:"state"`
	HTMLURL   string     `json:"html_url"`
	Comments  int        `json:"comments"`
	User      patUser    `json:"user"`
	Assignees []patUser  `json:"assignees"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
	PullRequest *struct{} `json:"pull_request"`
}

func (raw *patIssue) convert() *Issue {
	issue := &Issue{
		Number:    raw.Number,
		Title:     raw.Title,
		Body:      raw.Body,
		State:     raw.State,
		HTMLURL:   raw.HTMLURL,
		Author:    raw.User.Login,
		Comments:  raw.Comments,
		CreatedAt: raw.CreatedAt,
		UpdatedAt: raw.UpdatedAt,
		ClosedAt:  raw.ClosedAt,
		Labels:    make([]string, 0, len(raw.Labels)),
		Assignees: make([]string, 0, len(raw.Assignees)),
	}
	for _, l := range raw.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	for _, a := range raw.Assignees {
		issue.Assignees = append(issue.Assignees, a.Login)
	}
	return issue
}

type patComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	User      patUser   `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

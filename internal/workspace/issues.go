package workspace

import (
	"context"
	"fmt"

	"github.com/kandev/agentexec/internal/github"
)

// client resolves a GitHub client and owner/repo for a workspace repository.
func (p *Provisioner) client(ctx context.Context, workspaceID, repoURL string) (github.Client, string, string, error) {
	if p.github == nil {
		return nil, "", "", fmt.Errorf("github client is not configured")
	}
	owner, repo, err := github.ParseRepoURL(repoURL)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	cred, err := p.tokens.GitHubToken(ctx, workspaceID)
	if err != nil {
		return nil, "", "", err
	}
	if !cred.Found() {
		return nil, "", "", ErrNoCredentials
	}
	return p.github(cred.Value), owner, repo, nil
}

func (p *Provisioner) CreateIssue(ctx context.Context, workspaceID, repoURL string, req github.IssueRequest) (*github.Issue, error) {
	c, owner, repo, err := p.client(ctx, workspaceID, repoURL)
	if err != nil {
		return nil, err
	}
	return c.CreateIssue(ctx, owner, repo, req)
}

func (p *Provisioner) GetIssue(ctx context.Context, workspaceID, repoURL string, number int) (*github.Issue, error) {
	c, owner, repo, err := p.client(ctx, workspaceID, repoURL)
	if err != nil {
		return nil, err
	}
	return c.GetIssue(ctx, owner, repo, number)
}

func (p *Provisioner) ListIssues(ctx context.Context, workspaceID, repoURL string, opts github.ListIssuesOptions) ([]*github.Issue, error) {
	c, owner, repo, err := p.client(ctx, workspaceID, repoURL)
	if err != nil {
		return nil, err
	}
	return c.ListIssues(ctx, owner, repo, opts)
}

func (p *Provisioner) UpdateIssue(ctx context.Context, workspaceID, repoURL string, number int, update github.IssueUpdate) (*github.Issue, error) {
	c, owner, repo, err := p.client(ctx, workspaceID, repoURL)
	if err != nil {
		return nil, err
	}
	return c.UpdateIssue(ctx, owner, repo, number, update)
}

func (p *Provisioner) CommentIssue(ctx context.Context, workspaceID, repoURL string, number int, body string) (*github.IssueComment, error) {
	c, owner, repo, err := p.client(ctx, workspaceID, repoURL)
	if err != nil {
		return nil, err
	}
	return c.CommentIssue(ctx, owner, repo, number, body)
}

func (p *Provisioner) CloseIssue(ctx context.Context, workspaceID, repoURL string, number int) (*github.Issue, error) {
	c, owner, repo, err := p.client(ctx, workspaceID, repoURL)
	if err != nil {
		return nil, err
	}
	return c.CloseIssue(ctx, owner, repo, number)
}

package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/credentials"
	"github.com/kandev/agentexec/internal/github"
	"github.com/kandev/agentexec/internal/worktree"
)

// AgentDir is the per-worktree directory for injected agent files. It is
// always git-excluded.
const AgentDir = ".agentexec"

// GitCollaborator is the git side of provisioning. worktree.Manager
// implements it.
type GitCollaborator interface {
	ProvisionWorktree(ctx context.Context, req worktree.ProvisionRequest) (*worktree.Worktree, error)
	// Finalize returns nil with no error when there was nothing to commit.
	Finalize(ctx context.Context, id string, opts worktree.FinalizeOptions) (*worktree.FinalizeResult, error)
	Remove(ctx context.Context, id string) error
	ChangedFiles(ctx context.Context, path, base string) ([]string, error)
	AddExcludes(ctx context.Context, path string, patterns ...string) error
}

// TokenResolver resolves the repository token for a workspace.
type TokenResolver interface {
	GitHubToken(ctx context.Context, workspaceID string) (*credentials.Credential, error)
}

// ProvisionArgs describes a working copy to create.
type ProvisionArgs struct {
	WorkspaceID  string
	ExecutionID  string
	ExperimentID *string
	RepoURL      string
	BaseBranch   string
	// LinkedID names the branch; a timestamp is used when empty.
	LinkedID string
}

// FinalizeOptions controls what Finalize publishes.
type FinalizeOptions struct {
	Push     bool
	CreatePR bool
	Title    string
	Body     string
	Base     string
}

// Provisioner owns the Resource lifecycle.
type Provisioner struct {
	store        Store
	git          GitCollaborator
	tokens       TokenResolver
	github       github.ClientFactory
	branchPrefix string
	logger       *logger.Logger
	now          func() time.Time
}

// NewProvisioner creates a provisioner.
func NewProvisioner(store Store, git GitCollaborator, tokens TokenResolver, gh github.ClientFactory, branchPrefix string, log *logger.Logger) *Provisioner {
	return &Provisioner{
		store:        store,
		git:          git,
		tokens:       tokens,
		github:       gh,
		branchPrefix: worktree.NormalizeBranchPrefix(branchPrefix),
		logger:       log.WithFields(zap.String("component", "workspace-provisioner")),
		now:          time.Now,
	}
}

// BranchName returns the branch used for linkedID, or a timestamped one.
func (p *Provisioner) BranchName(linkedID string) string {
	name := worktree.SanitizeForBranch(linkedID, 60)
	if name == "" {
		name = "run-" + p.now().UTC().Format("20060102-150405")
	}
	return p.branchPrefix + name
}

// Provision creates a Resource and its worktree. On failure the resource is
// left in StatusError and returned along with the error.
func (p *Provisioner) Provision(ctx context.Context, args ProvisionArgs) (*Resource, error) {
	if args.RepoURL == "" || args.ExecutionID == "" {
		return nil, fmt.Errorf("%w: repository url and execution id are required", ErrInvalidRequest)
	}
	if args.BaseBranch == "" {
		args.BaseBranch = "main"
	}
	// A requeued execution provisions again; its earlier resource shares the
	// worktree id and is retired once the new worktree takes over.
	prev, err := p.store.GetByExecution(ctx, args.ExecutionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	repo := args.RepoURL
	res := &Resource{
		WorkspaceID:  args.WorkspaceID,
		ExperimentID: args.ExperimentID,
		ExecutionID:  args.ExecutionID,
		RepoURL:      &repo,
		BranchName:   p.BranchName(args.LinkedID),
		BaseBranch:   args.BaseBranch,
		Status:       StatusPending,
	}
	if err := p.store.Create(ctx, res); err != nil {
		return nil, err
	}
	log := p.logger.WithFields(zap.String("resource_id", res.ID), zap.String("execution_id", args.ExecutionID))

	res.Status = StatusProvisioning
	if err := p.store.Update(ctx, res); err != nil {
		return nil, err
	}

	token, err := p.tokens.GitHubToken(ctx, args.WorkspaceID)
	if err != nil {
		return res, p.fail(ctx, res, fmt.Errorf("resolve repository credentials: %w", err))
	}

	req := worktree.ProvisionRequest{
		ID:         args.ExecutionID,
		RepoURL:    args.RepoURL,
		Branch:     res.BranchName,
		BaseBranch: args.BaseBranch,
		Token:      token.Value,
	}
	wt, err := p.git.ProvisionWorktree(ctx, req)
	if errors.Is(err, worktree.ErrWorktreeExists) {
		// Left behind by an execution requeued after a restart.
		log.Info("replacing stale worktree")
		if rmErr := p.git.Remove(ctx, args.ExecutionID); rmErr != nil {
			return res, p.fail(ctx, res, rmErr)
		}
		p.retire(ctx, prev)
		wt, err = p.git.ProvisionWorktree(ctx, req)
	}
	if err != nil {
		return res, p.fail(ctx, res, err)
	}
	p.retire(ctx, prev)

	res.Path = wt.Path
	res.BranchName = wt.Branch
	res.InternalID = wt.ID
	res.Status = StatusReady
	if err := p.store.Update(ctx, res); err != nil {
		return nil, err
	}
	if err := p.git.AddExcludes(ctx, wt.Path, AgentDir+"/"); err != nil {
		log.Warn("failed to exclude agent dir", zap.Error(err))
	}

	log.Info("workspace provisioned",
		zap.String("path", res.Path),
		zap.String("branch", res.BranchName),
		zap.String("token_source", string(token.Source)))
	return res, nil
}

// retire marks prev cleaned without touching git.
func (p *Provisioner) retire(ctx context.Context, prev *Resource) {
	if prev == nil || prev.Status == StatusCleaned {
		return
	}
	now := p.now().UTC()
	prev.CleanedAt = &now
	prev.Status = StatusCleaned
	if err := p.store.Update(ctx, prev); err != nil {
		p.logger.Warn("failed to retire superseded workspace resource", zap.String("resource_id", prev.ID), zap.Error(err))
		return
	}
	p.logger.Info("superseded workspace resource retired", zap.String("resource_id", prev.ID))
}

func (p *Provisioner) fail(ctx context.Context, res *Resource, cause error) error {
	res.Status = StatusError
	res.ErrorMessage = cause.Error()
	if err := p.store.Update(ctx, res); err != nil {
		p.logger.Error("failed to record workspace error", zap.String("resource_id", res.ID), zap.Error(err))
	}
	return cause
}

// Finalize commits, pushes and opens a PR as requested. A collaborator
// result of nil means nothing to publish and still finalizes the resource.
func (p *Provisioner) Finalize(ctx context.Context, id string, opts FinalizeOptions) (*Resource, error) {
	res, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res.Status = StatusFinalizing
	if err := p.store.Update(ctx, res); err != nil {
		return nil, err
	}

	var token string
	if opts.Push || opts.CreatePR {
		cred, err := p.tokens.GitHubToken(ctx, res.WorkspaceID)
		if err != nil {
			return res, p.fail(ctx, res, fmt.Errorf("resolve repository credentials: %w", err))
		}
		token = cred.Value
	}

	result, err := p.git.Finalize(ctx, res.InternalID, worktree.FinalizeOptions{
		Push:     opts.Push,
		CreatePR: opts.CreatePR,
		Title:    opts.Title,
		Body:     opts.Body,
		Base:     opts.Base,
		Token:    token,
	})
	if err != nil {
		return res, p.fail(ctx, res, err)
	}
	if result != nil {
		res.PRURL = result.PRURL
		res.PRNumber = result.PRNumber
		res.CommitRef = result.CommitRef
	}
	now := p.now().UTC()
	res.FinalizedAt = &now
	res.Status = StatusFinalized
	if err := p.store.Update(ctx, res); err != nil {
		return nil, err
	}
	p.logger.Info("workspace finalized",
		zap.String("resource_id", res.ID),
		zap.String("pr_url", res.PRURL),
		zap.String("commit", res.CommitRef))
	return res, nil
}

// Cleanup removes the worktree. Errors are recorded on the resource and
// logged, never returned.
func (p *Provisioner) Cleanup(ctx context.Context, id string) {
	log := p.logger.WithFields(zap.String("resource_id", id))
	res, err := p.store.Get(ctx, id)
	if err != nil {
		log.Warn("cleanup of unknown workspace resource", zap.Error(err))
		return
	}
	if res.Status == StatusCleaned {
		return
	}
	if res.InternalID != "" {
		if err := p.git.Remove(ctx, res.InternalID); err != nil {
			log.Error("workspace cleanup failed", zap.Error(err))
			_ = p.fail(ctx, res, err)
			return
		}
	}
	now := p.now().UTC()
	res.CleanedAt = &now
	res.Status = StatusCleaned
	if err := p.store.Update(ctx, res); err != nil {
		log.Error("failed to record workspace cleanup", zap.Error(err))
		return
	}
	log.Info("workspace cleaned")
}

// Get returns a resource by id.
func (p *Provisioner) Get(ctx context.Context, id string) (*Resource, error) {
	return p.store.Get(ctx, id)
}

// GetByExecution returns the newest resource provisioned for executionID.
func (p *Provisioner) GetByExecution(ctx context.Context, executionID string) (*Resource, error) {
	return p.store.GetByExecution(ctx, executionID)
}

// ChangedFiles lists files the agent changed relative to the base branch.
func (p *Provisioner) ChangedFiles(ctx context.Context, id string) ([]string, error) {
	res, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.Path == "" {
		return nil, nil
	}
	return p.git.ChangedFiles(ctx, res.Path, res.BaseBranch)
}

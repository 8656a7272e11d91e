package worktree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/github"
)

// Worktree is a provisioned working copy. ID is the opaque handle callers
// keep; everything else can be recovered from it after a restart.
type Worktree struct {
	ID         string    `json:"id"`
	RepoURL    string    `json:"repoUrl"`
	RepoPath   string    `json:"repoPath"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch"`
	BaseBranch string    `json:"baseBranch"`
	BaseRef    string    `json:"baseRef"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ProvisionRequest describes a worktree to create.
type ProvisionRequest struct {
	ID         string
	RepoURL    string
	Branch     string
	BaseBranch string
	Token      string
}

// FinalizeOptions controls the commit/push/PR step.
type FinalizeOptions struct {
	Push          bool
	CreatePR      bool
	Title         string
	Body          string
	Base          string
	CommitMessage string
	Token         string
}

// FinalizeResult is what finalize produced. PR fields are empty when no PR
// was requested.
type FinalizeResult struct {
	CommitRef string `json:"commitRef"`
	Pushed    bool   `json:"pushed"`
	PRURL     string `json:"prUrl,omitempty"`
	PRNumber  int    `json:"prNumber,omitempty"`
}

// Manager creates, finalizes and removes worktrees.
type Manager struct {
	cfg       Config
	github    github.ClientFactory
	logger    *logger.Logger
	repoLocks sync.Map // repo path -> *sync.Mutex
}

// NewManager creates the manager and its directories.
func NewManager(cfg Config, gh github.ClientFactory, log *logger.Logger) (*Manager, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("worktree base dir is required")
	}
	cfg.BranchPrefix = NormalizeBranchPrefix(cfg.BranchPrefix)
	if cfg.AuthorName == "" {
		cfg.AuthorName = "agentexec"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "agentexec@localhost"
	}
	m := &Manager{cfg: cfg, github: gh, logger: log.WithFields(zap.String("component", "worktree-manager"))}
	for _, dir := range []string{cfg.reposDir(), cfg.worktreesDir(), cfg.metaDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) repoLock(repoPath string) *sync.Mutex {
	mu, _ := m.repoLocks.LoadOrStore(repoPath, &sync.Mutex{})
	return mu.(*sync.Mutex) //nolint:forcetypeassert // LoadOrStore always stores *sync.Mutex
}

// ProvisionWorktree clones or refreshes the repository and adds a worktree on
// a new branch off the base branch.
func (m *Manager) ProvisionWorktree(ctx context.Context, req ProvisionRequest) (*Worktree, error) {
	if req.ID == "" || req.RepoURL == "" {
		return nil, fmt.Errorf("%w: id and repository url are required", ErrInvalidRequest)
	}
	if req.BaseBranch == "" {
		req.BaseBranch = "main"
	}
	if req.Branch == "" {
		req.Branch = m.cfg.BranchName(req.ID)
	}

	repoPath := m.repoCachePath(req.RepoURL)
	lock := m.repoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.ensureCloned(ctx, req.RepoURL, req.Token); err != nil {
		return nil, err
	}

	wtPath := m.cfg.WorktreePath(req.ID)
	if _, err := os.Stat(wtPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeExists, req.ID)
	}

	baseRef, err := m.resolveBase(ctx, repoPath, req.BaseBranch)
	if err != nil {
		return nil, err
	}

	// git worktree add -b <branch> <path> <base>
	if _, err := git(ctx, repoPath, "worktree", "add", "-b", req.Branch, wtPath, baseRef); err != nil {
		m.logger.Error("git worktree add failed", zap.String("branch", req.Branch), zap.Error(err))
		return nil, err
	}

	wt := &Worktree{
		ID:         req.ID,
		RepoURL:    req.RepoURL,
		RepoPath:   repoPath,
		Path:       wtPath,
		Branch:     req.Branch,
		BaseBranch: req.BaseBranch,
		BaseRef:    baseRef,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.saveMeta(wt); err != nil {
		if cleanupErr := m.removeWorktreeDir(ctx, wtPath, repoPath); cleanupErr != nil {
			m.logger.Warn("failed to cleanup worktree after metadata failure", zap.Error(cleanupErr))
		}
		return nil, err
	}

	m.logger.Info("created worktree",
		zap.String("id", wt.ID),
		zap.String("path", wt.Path),
		zap.String("branch", wt.Branch),
		zap.String("base", baseRef))
	return wt, nil
}

func (m *Manager) resolveBase(ctx context.Context, repoPath, base string) (string, error) {
	for _, ref := range []string{"origin/" + base, base} {
		if _, err := git(ctx, repoPath, "rev-parse", "--verify", "--quiet", ref+"^{commit}"); err == nil {
			return ref, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrInvalidBaseBranch, base)
}

// Get loads a worktree by id.
func (m *Manager) Get(id string) (*Worktree, error) {
	data, err := os.ReadFile(m.metaPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var wt Worktree
	if err := json.Unmarshal(data, &wt); err != nil {
		return nil, fmt.Errorf("decode worktree metadata: %w", err)
	}
	return &wt, nil
}

// Finalize stages and commits pending changes, then optionally pushes and
// opens a pull request. It returns nil with no error when the branch has
// nothing over its base.
func (m *Manager) Finalize(ctx context.Context, id string, opts FinalizeOptions) (*FinalizeResult, error) {
	wt, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(wt.Path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeNotFound, wt.Path)
	}

	if _, err := git(ctx, wt.Path, "add", "-A"); err != nil {
		return nil, err
	}
	status, err := git(ctx, wt.Path, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if status != "" {
		msg := opts.CommitMessage
		if msg == "" {
			msg = opts.Title
		}
		if msg == "" {
			msg = "Agent changes for " + id
		}
		if _, err := git(ctx, wt.Path,
			"-c", "user.name="+m.cfg.AuthorName,
			"-c", "user.email="+m.cfg.AuthorEmail,
			"commit", "--no-verify", "-m", msg); err != nil {
			return nil, err
		}
	}

	ahead, err := git(ctx, wt.Path, "rev-list", "--count", wt.BaseRef+"..HEAD")
	if err != nil {
		return nil, err
	}
	if n, _ := strconv.Atoi(ahead); n == 0 {
		m.logger.Info("nothing to finalize", zap.String("id", id))
		return nil, nil
	}

	head, err := git(ctx, wt.Path, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	result := &FinalizeResult{CommitRef: head}
	if !opts.Push {
		return result, nil
	}

	pushURL := github.AuthenticatedURL(wt.RepoURL, opts.Token)
	if _, err := git(ctx, wt.Path, "push", pushURL, "HEAD:refs/heads/"+wt.Branch); err != nil {
		return nil, fmt.Errorf("push %s: %w", wt.Branch, err)
	}
	result.Pushed = true
	m.logger.Info("pushed branch", zap.String("id", id), zap.String("branch", wt.Branch))

	if !opts.CreatePR {
		return result, nil
	}
	pr, err := m.openPullRequest(ctx, wt, opts)
	if err != nil {
		return nil, err
	}
	result.PRURL = pr.HTMLURL
	result.PRNumber = pr.Number
	return result, nil
}

func (m *Manager) openPullRequest(ctx context.Context, wt *Worktree, opts FinalizeOptions) (*github.PullRequest, error) {
	if m.github == nil {
		return nil, fmt.Errorf("github client is not configured")
	}
	owner, repo, err := github.ParseRepoURL(wt.RepoURL)
	if err != nil {
		return nil, err
	}
	client := m.github(opts.Token)

	// A reset execution may push to a branch that already has a PR.
	if existing, err := client.FindPRByBranch(ctx, owner, repo, wt.Branch); err == nil && existing != nil {
		return existing, nil
	}

	base := opts.Base
	if base == "" {
		base = wt.BaseBranch
	}
	title := opts.Title
	if title == "" {
		title = "Agent changes: " + wt.Branch
	}
	pr, err := client.CreatePullRequest(ctx, owner, repo, github.NewPullRequest{
		Title: title,
		Body:  opts.Body,
		Head:  wt.Branch,
		Base:  base,
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("opened pull request", zap.String("id", wt.ID), zap.String("url", pr.HTMLURL))
	return pr, nil
}

// Remove deletes the worktree directory, its branch and metadata. Removing an
// unknown id is not an error.
func (m *Manager) Remove(ctx context.Context, id string) error {
	wt, err := m.Get(id)
	if errors.Is(err, ErrWorktreeNotFound) {
		return os.RemoveAll(m.cfg.WorktreePath(id))
	}
	if err != nil {
		return err
	}

	lock := m.repoLock(wt.RepoPath)
	lock.Lock()
	defer lock.Unlock()

	if err := m.removeWorktreeDir(ctx, wt.Path, wt.RepoPath); err != nil {
		return fmt.Errorf("remove worktree %s: %w", id, err)
	}
	if _, err := git(ctx, wt.RepoPath, "branch", "-D", wt.Branch); err != nil {
		m.logger.Debug("failed to delete branch", zap.String("branch", wt.Branch), zap.Error(err))
	}
	if err := os.Remove(m.metaPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	m.logger.Info("removed worktree", zap.String("id", id), zap.String("path", wt.Path))
	return nil
}

func (m *Manager) removeWorktreeDir(ctx context.Context, worktreePath, repoPath string) error {
	if _, err := git(ctx, repoPath, "worktree", "remove", "--force", worktreePath); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm", zap.Error(err))
		if err := os.RemoveAll(worktreePath); err != nil {
			return err
		}
		if _, err := git(ctx, repoPath, "worktree", "prune"); err != nil {
			m.logger.Debug("git worktree prune failed", zap.Error(err))
		}
	}
	return nil
}

// ChangedFiles lists files that differ from base in the working copy at
// path, committed or not, including untracked files.
func (m *Manager) ChangedFiles(ctx context.Context, path, base string) ([]string, error) {
	ref := "HEAD"
	if base != "" {
		if resolved, err := m.resolveBase(ctx, path, base); err == nil {
			ref = resolved
		}
	}
	diff, err := git(ctx, path, "diff", "--name-only", ref)
	if err != nil {
		return nil, err
	}
	untracked, err := git(ctx, path, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var files []string
	for _, f := range append(lines(diff), lines(untracked)...) {
		if !seen[f] {
			seen[f] = true
			files = append(files, f)
		}
	}
	sort.Strings(files)
	return files, nil
}

// AddExcludes appends patterns to the git exclude file used by the working
// copy at path, skipping ones already present.
func (m *Manager) AddExcludes(ctx context.Context, path string, patterns ...string) error {
	excludePath, err := git(ctx, path, "rev-parse", "--git-path", "info/exclude")
	if err != nil {
		return err
	}
	if !filepath.IsAbs(excludePath) {
		excludePath = filepath.Join(path, excludePath)
	}
	existing, err := os.ReadFile(excludePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	present := make(map[string]bool)
	for _, l := range strings.Split(string(existing), "\n") {
		present[strings.TrimSpace(l)] = true
	}

	var add []string
	for _, p := range patterns {
		if p != "" && !present[p] {
			present[p] = true
			add = append(add, p)
		}
	}
	if len(add) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	prefix := ""
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + strings.Join(add, "\n") + "\n")
	return err
}

func (m *Manager) metaPath(id string) string {
	return filepath.Join(m.cfg.metaDir(), id+".json")
}

func (m *Manager) saveMeta(wt *Worktree) error {
	data, err := json.MarshalIndent(wt, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.metaPath(wt.ID), data, 0o644)
}

package worktree

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/github"
)

// repoCachePath returns the clone cache directory for repoURL. The hash keeps
// different hosts with the same owner/name apart.
func (m *Manager) repoCachePath(repoURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")))
	name := strings.TrimSuffix(path.Base(strings.TrimRight(repoURL, "/")), ".git")
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	return filepath.Join(m.cfg.reposDir(), SanitizeForBranch(name, 40)+"-"+hex.EncodeToString(sum[:6]))
}

// ensureCloned clones repoURL into the cache, or fetches when it is already
// there. Callers hold the repository lock.
func (m *Manager) ensureCloned(ctx context.Context, repoURL, token string) (string, error) {
	target := m.repoCachePath(repoURL)
	authURL := github.AuthenticatedURL(repoURL, token)

	if info, err := os.Stat(filepath.Join(target, ".git")); err == nil && info.IsDir() {
		m.logger.Debug("repository already cloned, fetching", zap.String("path", target))
		if _, err := git(ctx, target, "fetch", "--prune", authURL, "+refs/heads/*:refs/remotes/origin/*"); err != nil {
			// A stale cache still lets the worktree start from the last fetched base.
			m.logger.Warn("git fetch failed (non-fatal)", zap.String("path", target), zap.Error(err))
		}
		return target, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create clone directory: %w", err)
	}
	m.logger.Info("cloning repository", zap.String("url", repoURL), zap.String("target", target))
	if _, err := git(ctx, filepath.Dir(target), "clone", authURL, target); err != nil {
		_ = os.RemoveAll(target)
		return "", fmt.Errorf("clone %s: %w", repoURL, err)
	}
	// Keep the token out of .git/config.
	if authURL != repoURL {
		if _, err := git(ctx, target, "remote", "set-url", "origin", repoURL); err != nil {
			return "", err
		}
	}
	return target, nil
}

package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// git runs a git command in dir and returns trimmed combined output.
func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Never prompt for credentials; a missing token must fail fast.
	cmd.Env = append(cmd.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: git %s: %s", ErrGitCommandFailed, args[0], redact(strings.TrimSpace(string(out))))
	}
	return strings.TrimSpace(string(out)), nil
}

// redact hides credentials embedded in URLs that git echoes back.
func redact(s string) string {
	for {
		start := strings.Index(s, "x-access-token:")
		if start < 0 {
			return s
		}
		end := strings.IndexByte(s[start:], '@')
		if end < 0 {
			return s
		}
		s = s[:start] + "***" + s[start+end:]
	}
}

func lines(out string) []string {
	if out == "" {
		return nil
	}
	var res []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return res
}

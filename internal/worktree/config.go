package worktree

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// Config holds configuration for the worktree manager.
type Config struct {
	// BaseDir holds repos/ (clone cache), worktrees/ and meta/.
	BaseDir string
	// BranchPrefix is prepended to generated branch names.
	BranchPrefix string
	// AuthorName and AuthorEmail sign commits made at finalize time.
	AuthorName  string
	AuthorEmail string
}

// DefaultBranchPrefix is used when no prefix is configured.
const DefaultBranchPrefix = "agentexec/"

func (c Config) reposDir() string     { return filepath.Join(c.BaseDir, "repos") }
func (c Config) worktreesDir() string { return filepath.Join(c.BaseDir, "worktrees") }
func (c Config) metaDir() string      { return filepath.Join(c.BaseDir, "meta") }

// WorktreePath returns the directory of worktree id.
func (c Config) WorktreePath(id string) string {
	return filepath.Join(c.worktreesDir(), id)
}

// BranchName returns {prefix}{sanitized name}.
func (c Config) BranchName(name string) string {
	return NormalizeBranchPrefix(c.BranchPrefix) + SanitizeForBranch(name, 40)
}

var hyphenRuns = regexp.MustCompile(`-+`)

// SanitizeForBranch converts free text into a git branch name component:
// lowercase letters and digits separated by single hyphens, at most maxLen
// characters.
func SanitizeForBranch(title string, maxLen int) string {
	if title == "" {
		return ""
	}
	var sb strings.Builder
	for _, r := range strings.ToLower(title) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result := strings.Trim(hyphenRuns.ReplaceAllString(sb.String(), "-"), "-")
	if len(result) > maxLen {
		result = strings.TrimRight(result[:maxLen], "-")
	}
	return result
}

// NormalizeBranchPrefix makes sure a non-empty prefix ends with a slash.
func NormalizeBranchPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return DefaultBranchPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

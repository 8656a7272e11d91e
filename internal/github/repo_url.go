package github

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseRepoURL extracts owner and repository name from an HTTPS, SSH or
// scp-style GitHub URL. For file:// URLs the last two path segments are used.
func ParseRepoURL(raw string) (owner, repo string, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", "", fmt.Errorf("empty repository url")
	}

	var path string
	switch {
	case strings.HasPrefix(s, "git@"):
		// git@github.com:owner/repo.git
		_, rest, ok := strings.Cut(s, ":")
		if !ok {
			return "", "", fmt.Errorf("invalid repository url %q", raw)
		}
		path = rest
	default:
		u, perr := url.Parse(s)
		if perr == nil && u.Scheme == "file" {
			segs := strings.Split(strings.Trim(strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git"), "/"), "/")
			if len(segs) >= 2 {
				segs = segs[len(segs)-2:]
			}
			path = strings.Join(segs, "/")
			break
		}
		if perr != nil || u.Host == "" {
			return "", "", fmt.Errorf("invalid repository url %q", raw)
		}
		path = u.Path
	}

	path = strings.Trim(strings.TrimSuffix(strings.Trim(path, "/"), ".git"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository url %q is not owner/repo", raw)
	}
	return parts[0], parts[1], nil
}

// AuthenticatedURL returns an HTTPS clone URL carrying token. SSH URLs and
// empty tokens are returned unchanged.
func AuthenticatedURL(raw, token string) string {
	if token == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return raw
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kandev/agentexec/internal/common/config"
	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/credentials"
	"github.com/kandev/agentexec/internal/execution"
	"github.com/kandev/agentexec/internal/runtime"
)

// Approval presets.
const (
	PresetStrict     = "strict"
	PresetDefault    = "default"
	PresetPermissive = "permissive"
)

// Env vars handed to every agent.
const (
	EnvAPIURL      = "AGENTEXEC_API_URL"
	EnvAPIKey      = "AGENTEXEC_API_KEY"
	EnvExecutionID = "AGENTEXEC_EXECUTION_ID"
)

// toolBridgeName is the server name agents see in their tool-bridge config.
const toolBridgeName = "agentexec"

type approvalRules struct {
	Allow []string `json:"allow" yaml:"allow"`
	Deny  []string `json:"deny" yaml:"deny"`
}

var approvalPresets = map[string]approvalRules{
	PresetStrict: {
		Allow: []string{"Read", "Glob", "Grep", "LS"},
		Deny:  []string{"Bash(git push:*)", "Bash(rm -rf:*)", "WebFetch"},
	},
	PresetDefault: {
		Allow: []string{
			"Read", "Glob", "Grep", "LS", "Edit", "MultiEdit", "Write",
			"Bash(git status:*)", "Bash(git diff:*)", "Bash(git log:*)",
			"mcp__" + toolBridgeName + "__*",
		},
		Deny: []string{"Bash(git push:*)", "Bash(rm -rf:*)"},
	},
	PresetPermissive: {
		Allow: []string{
			"Read", "Glob", "Grep", "LS", "Edit", "MultiEdit", "Write",
			"Bash", "WebFetch", "WebSearch",
			"mcp__" + toolBridgeName + "__*",
		},
		Deny: []string{"Bash(git push:*)"},
	},
}

// KeyIssuer is the part of credentials.KeyStore the preparer needs.
type KeyIssuer interface {
	IssueScopedKey(ctx context.Context, principal, scope, name string) (*credentials.IssuedKey, error)
	ListKeys(ctx context.Context, principal string) ([]*credentials.APIKey, error)
	RevokeKey(ctx context.Context, principal, keyID string) error
}

// ExcludeWriter appends patterns to a working copy's git exclude file.
type ExcludeWriter interface {
	AddExcludes(ctx context.Context, path string, patterns ...string) error
}

// PreparerConfig holds the values baked into prepared workspaces.
type PreparerConfig struct {
	PublicURL    string
	Agents       map[string]config.AgentCommandConfig
	SpawnTimeout time.Duration
	Cols, Rows   int
}

// PrepareRequest describes one execution about to spawn.
type PrepareRequest struct {
	Execution *execution.Execution
	Principal string
	// Dir is the worktree or scratch directory.
	Dir string
	// Branch is the worktree branch, empty for scratch directories.
	Branch string
	// LLMEnv holds resolved provider keys.
	LLMEnv map[string]string
}

// Prepared is the result of Prepare.
type Prepared struct {
	Env   map[string]string
	Spawn runtime.SpawnConfig
	// Files lists the paths written, relative to Dir.
	Files []string
	KeyID string
}

// Preparer writes agent-facing files into a directory and assembles the
// spawn configuration.
type Preparer struct {
	keys     KeyIssuer
	excludes ExcludeWriter
	cfg      PreparerConfig
	logger   *logger.Logger
}

// NewPreparer creates a preparer. excludes may be nil for scratch-only use.
func NewPreparer(keys KeyIssuer, excludes ExcludeWriter, cfg PreparerConfig, log *logger.Logger) *Preparer {
	return &Preparer{
		keys:     keys,
		excludes: excludes,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "workspace-preparer")),
	}
}

// KeyName is the scoped key name for an execution.
func KeyName(executionID string) string { return "execution-" + executionID }

// KeyScopePrefix prefixes the scope of every execution key.
const KeyScopePrefix = "execution:"

// KeyScope is the scope of the key issued to an execution.
func KeyScope(executionID string) string { return KeyScopePrefix + executionID }

// Prepare issues a scoped key, writes the task document, approval and
// tool-bridge configs, and returns the agent environment.
func (p *Preparer) Prepare(ctx context.Context, req PrepareRequest) (*Prepared, error) {
	exec := req.Execution
	if exec == nil || req.Dir == "" {
		return nil, fmt.Errorf("%w: execution and directory are required", ErrInvalidRequest)
	}
	preset := exec.Config.ApprovalPreset
	if preset == "" {
		preset = PresetDefault
	}
	rules, ok := approvalPresets[preset]
	if !ok {
		return nil, fmt.Errorf("%w: unknown approval preset %q", ErrInvalidRequest, preset)
	}

	key, err := p.keys.IssueScopedKey(ctx, req.Principal, KeyScope(exec.ID), KeyName(exec.ID))
	if err != nil {
		return nil, fmt.Errorf("issue scoped key: %w", err)
	}

	w := &fileWriter{root: req.Dir}
	w.write(filepath.Join(AgentDir, "TASK.md"), func() ([]byte, error) { return renderTask(exec, req.Branch) })

	switch exec.AgentKind {
	case runtime.AgentClaude:
		w.write(filepath.Join(".claude", "settings.local.json"), func() ([]byte, error) {
			return json.MarshalIndent(map[string]interface{}{"permissions": rules}, "", "  ")
		})
	default:
		w.write(filepath.Join(AgentDir, "approvals.yaml"), func() ([]byte, error) {
			return yaml.Marshal(struct {
				Preset        string `yaml:"preset"`
				approvalRules `yaml:",inline"`
			}{preset, rules})
		})
	}

	if p.cfg.PublicURL != "" {
		bridgeURL := strings.TrimRight(p.cfg.PublicURL, "/") + "/mcp"
		headers := map[string]string{"Authorization": "Bearer " + key.Secret}
		switch exec.AgentKind {
		case runtime.AgentClaude:
			w.write(".mcp.json", func() ([]byte, error) {
				return json.MarshalIndent(map[string]interface{}{
					"mcpServers": map[string]interface{}{
						toolBridgeName: map[string]interface{}{"type": "http", "url": bridgeURL, "headers": headers},
					},
				}, "", "  ")
			})
		case runtime.AgentGemini:
			w.write(filepath.Join(".gemini", "settings.json"), func() ([]byte, error) {
				return json.MarshalIndent(map[string]interface{}{
					"mcpServers": map[string]interface{}{
						toolBridgeName: map[string]interface{}{"httpUrl": bridgeURL, "headers": headers},
					},
				}, "", "  ")
			})
		}
	}
	if w.err != nil {
		p.revokeKey(ctx, req.Principal, key.ID)
		return nil, w.err
	}

	if p.excludes != nil {
		if err := p.excludes.AddExcludes(ctx, req.Dir, excludePatterns(w.files)...); err != nil {
			p.logger.Debug("git exclude not updated", zap.String("dir", req.Dir), zap.Error(err))
		}
	}

	env := make(map[string]string, len(req.LLMEnv)+3)
	for k, v := range req.LLMEnv {
		env[k] = v
	}
	env[EnvAPIURL] = p.cfg.PublicURL
	env[EnvAPIKey] = key.Secret
	env[EnvExecutionID] = exec.ID

	prepared := &Prepared{
		Env:   env,
		Files: w.files,
		KeyID: key.ID,
		Spawn: runtime.SpawnConfig{
			WorkspaceID: exec.WorkspaceID,
			ExecutionID: exec.ID,
			AgentKind:   exec.AgentKind,
			Name:        KeyName(exec.ID),
			Principal:   req.Principal,
			Command:     runtime.AgentCommand(exec.AgentKind, p.cfg.Agents),
			Dir:         req.Dir,
			Env:         env,
			Detector:    runtime.AgentDetector(exec.AgentKind),
			Timeout:     p.cfg.SpawnTimeout,
			Cols:        p.cfg.Cols,
			Rows:        p.cfg.Rows,
		},
	}
	p.logger.Info("workspace prepared",
		zap.String("execution_id", exec.ID),
		zap.String("agent", exec.AgentKind),
		zap.String("preset", preset),
		zap.Strings("files", w.files))
	return prepared, nil
}

// Revoke revokes every key issued for executionID. Errors are joined.
func (p *Preparer) Revoke(ctx context.Context, executionID, principal string) error {
	keys, err := p.keys.ListKeys(ctx, principal)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	var errs []error
	for _, k := range keys {
		if k.Name != KeyName(executionID) {
			continue
		}
		if err := p.keys.RevokeKey(ctx, principal, k.ID); err != nil && !errors.Is(err, credentials.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Preparer) revokeKey(ctx context.Context, principal, keyID string) {
	if err := p.keys.RevokeKey(ctx, principal, keyID); err != nil {
		p.logger.Warn("failed to revoke scoped key", zap.String("key_id", keyID), zap.Error(err))
	}
}

// excludePatterns turns written files into exclude lines, collapsing the
// agent dir into one entry.
func excludePatterns(files []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range files {
		f = filepath.ToSlash(f)
		if strings.HasPrefix(f, AgentDir+"/") {
			f = AgentDir + "/"
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

type taskFrontMatter struct {
	ExecutionID  string `yaml:"executionId"`
	WorkspaceID  string `yaml:"workspaceId"`
	Agent        string `yaml:"agent"`
	ExperimentID string `yaml:"experimentId,omitempty"`
	RepoURL      string `yaml:"repoUrl,omitempty"`
	BaseBranch   string `yaml:"baseBranch,omitempty"`
	Branch       string `yaml:"branch,omitempty"`
}

func renderTask(exec *execution.Execution, branch string) ([]byte, error) {
	fm := taskFrontMatter{
		ExecutionID: exec.ID,
		WorkspaceID: exec.WorkspaceID,
		Agent:       exec.AgentKind,
		RepoURL:     exec.Config.RepoURL,
		BaseBranch:  exec.Config.BaseBranch,
		Branch:      branch,
	}
	if exec.ExperimentID != nil {
		fm.ExperimentID = *exec.ExperimentID
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n\n# Task\n\n")
	buf.WriteString(strings.TrimSpace(exec.TaskDescription))
	buf.WriteString("\n")
	if len(exec.TaskContext) > 0 {
		ctxYAML, err := yaml.Marshal(exec.TaskContext)
		if err != nil {
			return nil, err
		}
		buf.WriteString("\n## Context\n\n```yaml\n")
		buf.Write(ctxYAML)
		buf.WriteString("```\n")
	}
	return buf.Bytes(), nil
}

// fileWriter writes files under root and remembers the first error.
type fileWriter struct {
	root  string
	files []string
	err   error
}

func (w *fileWriter) write(rel string, render func() ([]byte, error)) {
	if w.err != nil {
		return
	}
	data, err := render()
	if err != nil {
		w.err = fmt.Errorf("render %s: %w", rel, err)
		return
	}
	full := filepath.Join(w.root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		w.err = fmt.Errorf("create dir for %s: %w", rel, err)
		return
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		w.err = fmt.Errorf("write %s: %w", rel, err)
		return
	}
	w.files = append(w.files, rel)
}

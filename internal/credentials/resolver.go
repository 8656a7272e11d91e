// Package credentials issues scoped API keys for agents, stores workspace
// secrets encrypted at rest, and resolves repository and LLM credentials
// through a fixed precedence chain.
package credentials

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/agentexec/internal/common/config"
	"github.com/kandev/agentexec/internal/common/logger"
)

// Source records where a resolved credential came from.
type Source string

const (
	SourceWorkspaceOAuth  Source = "workspace_oauth"
	SourceWorkspaceManual Source = "workspace_manual"
	SourceProcess         Source = "process"
	SourceNone            Source = "none"
)

// Credential is a resolved secret. Value is empty when Source is SourceNone.
type Credential struct {
	Key    string
	Value  string
	Source Source
}

// Found reports whether a value was resolved.
func (c *Credential) Found() bool { return c != nil && c.Value != "" }

// llmKeys maps workspace secret names to the env var agents read.
var llmKeys = []struct {
	secret   string
	envVar   string
	fallback func(config.CredentialsConfig) string
}{
	{SecretAnthropicAPIKey, "ANTHROPIC_API_KEY", func(c config.CredentialsConfig) string { return c.AnthropicAPIKey }},
	{SecretOpenAIAPIKey, "OPENAI_API_KEY", func(c config.CredentialsConfig) string { return c.OpenAIAPIKey }},
	{SecretGeminiAPIKey, "GEMINI_API_KEY", func(c config.CredentialsConfig) string { return c.GeminiAPIKey }},
}

// Resolver walks workspace secrets before process-wide defaults. Concurrent
// lookups for the same workspace share one store round trip.
type Resolver struct {
	secrets  SecretStore
	fallback config.CredentialsConfig
	group    singleflight.Group
	logger   *logger.Logger
}

// NewResolver creates a resolver. secrets may be nil, in which case only the
// process defaults are consulted.
func NewResolver(secrets SecretStore, fallback config.CredentialsConfig, log *logger.Logger) *Resolver {
	return &Resolver{
		secrets:  secrets,
		fallback: fallback,
		logger:   log.WithFields(zap.String("component", "credential-resolver")),
	}
}

// GitHubToken resolves the repository token: workspace OAuth token, then
// workspace manual token, then the process token, then none.
func (r *Resolver) GitHubToken(ctx context.Context, workspaceID string) (*Credential, error) {
	v, err, _ := r.group.Do("github:"+workspaceID, func() (interface{}, error) {
		for _, step := range []struct {
			name   string
			source Source
		}{
			{SecretGitHubOAuthToken, SourceWorkspaceOAuth},
			{SecretGitHubToken, SourceWorkspaceManual},
		} {
			if value := r.lookup(ctx, workspaceID, step.name); value != "" {
				return &Credential{Key: "GITHUB_TOKEN", Value: value, Source: step.source}, nil
			}
		}
		if r.fallback.GitHubToken != "" {
			return &Credential{Key: "GITHUB_TOKEN", Value: r.fallback.GitHubToken, Source: SourceProcess}, nil
		}
		return &Credential{Key: "GITHUB_TOKEN", Source: SourceNone}, nil
	})
	if err != nil {
		return nil, err
	}
	cred := v.(*Credential) //nolint:forcetypeassert // the closure only returns *Credential
	r.logger.Debug("resolved github token", zap.String("workspace_id", workspaceID), zap.String("source", string(cred.Source)))
	return cred, nil
}

// LLMEnv returns provider API keys as env vars, workspace secrets first.
// Keys found nowhere are omitted.
func (r *Resolver) LLMEnv(ctx context.Context, workspaceID string) (map[string]string, error) {
	v, err, _ := r.group.Do("llm:"+workspaceID, func() (interface{}, error) {
		env := make(map[string]string)
		for _, k := range llmKeys {
			if value := r.lookup(ctx, workspaceID, k.secret); value != "" {
				env[k.envVar] = value
			} else if value := k.fallback(r.fallback); value != "" {
				env[k.envVar] = value
			}
		}
		return env, nil
	})
	if err != nil {
		return nil, err
	}
	shared := v.(map[string]string) //nolint:forcetypeassert // the closure only returns map[string]string
	out := make(map[string]string, len(shared))
	for k, val := range shared {
		out[k] = val
	}
	return out, nil
}

// LLMEnvKeys lists the env var names LLMEnv may set, sorted.
func LLMEnvKeys() []string {
	keys := make([]string, 0, len(llmKeys))
	for _, k := range llmKeys {
		keys = append(keys, k.envVar)
	}
	sort.Strings(keys)
	return keys
}

// lookup treats store errors as a miss so a broken secret store degrades to
// the process defaults.
func (r *Resolver) lookup(ctx context.Context, workspaceID, name string) string {
	if r.secrets == nil || workspaceID == "" {
		return ""
	}
	value, err := r.secrets.Get(ctx, workspaceID, name)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("workspace secret lookup failed",
				zap.String("workspace_id", workspaceID),
				zap.String("name", name),
				zap.Error(err))
		}
		return ""
	}
	return value
}

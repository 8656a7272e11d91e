package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/config"
	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/fleet"
)

const defaultHealthTimeout = 5 * time.Second

// RemoteRuntime delegates spawning to the fleet manager and talks to agents
// on a remote runtime over HTTP. Agent events arrive over the bus from the
// remote side.
type RemoteRuntime struct {
	endpoint      string
	fleet         fleet.Manager
	httpClient    *http.Client
	healthTimeout time.Duration
	logger        *logger.Logger
}

// NewRemoteRuntime creates a remote runtime for cfg.RemoteEndpoint.
func NewRemoteRuntime(cfg config.RuntimeConfig, fm fleet.Manager, log *logger.Logger) *RemoteRuntime {
	timeout := cfg.HealthTimeout
	if timeout <= 0 {
		timeout = defaultHealthTimeout
	}
	return &RemoteRuntime{
		endpoint:      strings.TrimRight(cfg.RemoteEndpoint, "/"),
		fleet:         fm,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		healthTimeout: timeout,
		logger:        log.WithFields(zap.String("component", "remote-runtime")),
	}
}

func (r *RemoteRuntime) Mode() Mode       { return ModeRemote }
func (r *RemoteRuntime) Endpoint() string { return r.endpoint }

// Spawn asks the fleet manager for one agent and returns its id.
func (r *RemoteRuntime) Spawn(ctx context.Context, cfg SpawnConfig) (*ProcessHandle, error) {
	if r.fleet == nil {
		return nil, errors.New("fleet manager is not configured")
	}
	spawnCfg := map[string]interface{}{
		"executionId": cfg.ExecutionID,
		"env":         cfg.Env,
	}
	if len(cfg.Command) > 0 {
		spawnCfg["command"] = cfg.Command
	}
	if cfg.Dir != "" {
		spawnCfg["workingDir"] = cfg.Dir
	}
	if cfg.Timeout > 0 {
		spawnCfg["timeoutMs"] = cfg.Timeout.Milliseconds()
	}
	resp, err := r.fleet.SpawnAgents(ctx, cfg.WorkspaceID, fleet.SpawnRequest{
		AgentType: cfg.AgentKind,
		Count:     1,
		Name:      cfg.Name,
		Config:    spawnCfg,
	}, cfg.Principal)
	if err != nil {
		return nil, fmt.Errorf("remote spawn %s: %w", cfg.AgentKind, err)
	}
	if resp == nil || len(resp.SpawnedAgents) == 0 {
		return nil, fmt.Errorf("remote spawn %s: no agent in response", cfg.AgentKind)
	}
	id := resp.SpawnedAgents[0].ID
	if id == "" {
		return nil, errors.New("remote spawn returned an empty agent id")
	}
	r.logger.Info("remote agent spawned",
		zap.String("process_id", id),
		zap.String("execution_id", cfg.ExecutionID),
		zap.String("workspace_id", cfg.WorkspaceID))
	return &ProcessHandle{
		ProcessID:   id,
		WorkspaceID: cfg.WorkspaceID,
		StartedAt:   time.Now().UTC(),
		Alive:       true,
	}, nil
}

// Send posts {"message": ...} to /api/agents/<id>/send.
func (r *RemoteRuntime) Send(ctx context.Context, processID, message string) error {
	return r.post(ctx, processID, "send", map[string]string{"message": message})
}

// Stop posts to /api/agents/<id>/stop.
func (r *RemoteRuntime) Stop(ctx context.Context, processID string) error {
	return r.post(ctx, processID, "stop", nil)
}

// GetLogs is always empty: remote output is not cached here.
func (r *RemoteRuntime) GetLogs(ctx context.Context, processID string, limit int) ([]string, error) {
	return []string{}, nil
}

func (r *RemoteRuntime) GetSession(processID string) *Session       { return nil }
func (r *RemoteRuntime) AttachTerminal(processID string) Attachment { return nil }

// CheckInstallation checks that the remote runtime answers its health
// endpoint within the health timeout.
func (r *RemoteRuntime) CheckInstallation(ctx context.Context, agentKind string) error {
	ctx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: remote runtime unreachable: %v", ErrNotInstalled, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: health check failed with status %d: %s", ErrNotInstalled, resp.StatusCode, string(body))
	}
	return nil
}

func (r *RemoteRuntime) Shutdown(ctx context.Context) error { return nil }

func (r *RemoteRuntime) post(ctx context.Context, processID, action string, payload interface{}) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	endpoint := fmt.Sprintf("%s/api/agents/%s/%s", r.endpoint, url.PathEscape(processID), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", action, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s: %s", ErrProcessNotFound, processID, string(respBody))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s request failed with status %d: %s", action, resp.StatusCode, string(respBody))
	}
	return nil
}

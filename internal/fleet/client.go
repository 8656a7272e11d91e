// Package fleet is the client for the agent-fleet manager that spawns agents
// on remote runtimes.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/logger"
)

// SpawnRequest asks the fleet manager for Count agents of AgentType.
type SpawnRequest struct {
	AgentType string                 `json:"agentType"`
	Count     int                    `json:"count"`
	Name      string                 `json:"name,omitempty"`
	Config    map[string]interface{} `json:"config,omitempty"`
}

// SpawnedAgent is one agent created by a spawn call. ID is the process id
// used for every later send/stop call.
type SpawnedAgent struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
}

// SpawnResponse is the fleet manager's reply.
type SpawnResponse struct {
	SpawnedAgents []SpawnedAgent `json:"spawnedAgents"`
}

// Manager spawns agents remotely.
type Manager interface {
	SpawnAgents(ctx context.Context, workspaceID string, req SpawnRequest, principal string) (*SpawnResponse, error)
}

// Client talks to the fleet manager over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a client for endpoint.
func NewClient(endpoint string, log *logger.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     log.WithFields(zap.String("component", "fleet-client")),
	}
}

// SpawnAgents posts to /api/workspaces/<workspaceID>/agents/spawn.
func (c *Client) SpawnAgents(ctx context.Context, workspaceID string, req SpawnRequest, principal string) (*SpawnResponse, error) {
	if req.Count <= 0 {
		req.Count = 1
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/api/workspaces/%s/agents/spawn", c.baseURL, url.PathEscape(workspaceID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if principal != "" {
		httpReq.Header.Set("X-Principal-Id", principal)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("spawn request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read spawn response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("spawn request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var out SpawnResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse spawn response: %w", err)
	}
	if len(out.SpawnedAgents) == 0 {
		return nil, fmt.Errorf("fleet manager spawned no agents")
	}
	c.logger.Info("spawned remote agents",
		zap.String("workspace_id", workspaceID),
		zap.String("agent_type", req.AgentType),
		zap.Int("count", len(out.SpawnedAgents)))
	return &out, nil
}

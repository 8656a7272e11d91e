package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentexec/internal/common/config"
	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/fleet"
)

type fakeFleet struct {
	workspaceID string
	req         fleet.SpawnRequest
	principal   string
	resp        *fleet.SpawnResponse
	err         error
}

func (f *fakeFleet) SpawnAgents(ctx context.Context, workspaceID string, req fleet.SpawnRequest, principal string) (*fleet.SpawnResponse, error) {
	f.workspaceID, f.req, f.principal = workspaceID, req, principal
	return f.resp, f.err
}

func TestNew_SelectsBackendOnce(t *testing.T) {
	assert.Equal(t, ModeLocal, New(config.RuntimeConfig{}, Deps{}, logger.Nop()).Mode())
	assert.Equal(t, ModeRemote, New(config.RuntimeConfig{RemoteEndpoint: "http://rt"}, Deps{}, logger.Nop()).Mode())
}

func TestRemoteRuntime_SpawnDelegatesToFleet(t *testing.T) {
	ff := &fakeFleet{resp: &fleet.SpawnResponse{SpawnedAgents: []fleet.SpawnedAgent{{ID: "p1"}}}}
	rt := NewRemoteRuntime(config.RuntimeConfig{RemoteEndpoint: "http://rt/"}, ff, logger.Nop())

	h, err := rt.Spawn(context.Background(), SpawnConfig{
		WorkspaceID: "ws-1",
		ExecutionID: "e1",
		AgentKind:   AgentCodex,
		Name:        "execution-e1",
		Principal:   "u1",
		Env:         map[string]string{"A": "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", h.ProcessID)
	assert.Equal(t, "ws-1", ff.workspaceID)
	assert.Equal(t, "u1", ff.principal)
	assert.Equal(t, AgentCodex, ff.req.AgentType)
	assert.Equal(t, 1, ff.req.Count)
	assert.Equal(t, "http://rt", rt.Endpoint())

	ff.err = errors.New("boom")
	_, err = rt.Spawn(context.Background(), SpawnConfig{AgentKind: AgentCodex})
	assert.ErrorContains(t, err, "boom")

	_, err = NewRemoteRuntime(config.RuntimeConfig{RemoteEndpoint: "http://rt"}, nil, logger.Nop()).
		Spawn(context.Background(), SpawnConfig{})
	assert.Error(t, err)
}

func TestRemoteRuntime_SpawnRejectsEmptyResponse(t *testing.T) {
	tests := []struct {
		name string
		resp *fleet.SpawnResponse
		want string
	}{
		{"nil response", nil, "no agent in response"},
		{"no agents", &fleet.SpawnResponse{}, "no agent in response"},
		{"blank id", &fleet.SpawnResponse{SpawnedAgents: []fleet.SpawnedAgent{{}}}, "empty agent id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := NewRemoteRuntime(config.RuntimeConfig{RemoteEndpoint: "http://rt"}, &fakeFleet{resp: tt.resp}, logger.Nop())
			h, err := rt.Spawn(context.Background(), SpawnConfig{WorkspaceID: "ws-1", AgentKind: AgentClaude})
			assert.Nil(t, h)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestRemoteRuntime_SendAndStop(t *testing.T) {
	var sent map[string]string
	var stopped bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		switch r.URL.Path {
		case "/api/agents/p1/send":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
		case "/api/agents/p1/stop":
			stopped = true
		case "/api/agents/p2/send":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte("agent busy"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	rt := NewRemoteRuntime(config.RuntimeConfig{RemoteEndpoint: srv.URL}, nil, logger.Nop())
	require.NoError(t, rt.Send(context.Background(), "p1", "Fix bug"))
	assert.Equal(t, map[string]string{"message": "Fix bug"}, sent)
	require.NoError(t, rt.Stop(context.Background(), "p1"))
	assert.True(t, stopped)

	err := rt.Send(context.Background(), "p2", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent busy")
	assert.ErrorIs(t, rt.Stop(context.Background(), "p3"), ErrProcessNotFound)
}

func TestRemoteRuntime_LocalOnlyOperationsAreEmpty(t *testing.T) {
	rt := NewRemoteRuntime(config.RuntimeConfig{RemoteEndpoint: "http://rt"}, nil, logger.Nop())

	logs, err := rt.GetLogs(context.Background(), "p1", 100)
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Nil(t, rt.GetSession("p1"))
	assert.Nil(t, rt.AttachTerminal("p1"))
	assert.NoError(t, rt.Shutdown(context.Background()))
}

func TestRemoteRuntime_CheckInstallation(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	rt := NewRemoteRuntime(config.RuntimeConfig{RemoteEndpoint: healthy.URL}, nil, logger.Nop())
	assert.NoError(t, rt.CheckInstallation(context.Background(), AgentClaude))

	release := make(chan struct{})
	hung := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer hung.Close()
	defer close(release)

	rt = NewRemoteRuntime(config.RuntimeConfig{RemoteEndpoint: hung.URL, HealthTimeout: 100 * time.Millisecond}, nil, logger.Nop())
	start := time.Now()
	err := rt.CheckInstallation(context.Background(), AgentClaude)
	assert.ErrorIs(t, err, ErrNotInstalled)
	assert.Less(t, time.Since(start), 3*time.Second)
}

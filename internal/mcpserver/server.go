// Package mcpserver hosts the tool bridge agents reach at /mcp. Agents
// authenticate with the scoped key issued when their workspace was prepared,
// and every tool acts on that key's execution only.
package mcpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/credentials"
	"github.com/kandev/agentexec/internal/events/bus"
	"github.com/kandev/agentexec/internal/execution"
	"github.com/kandev/agentexec/internal/github"
	"github.com/kandev/agentexec/internal/workspace"
)

// Path is where the bridge is mounted. workspace.Preparer points agent
// configs at <publicUrl> + Path.
const Path = "/mcp"

// KeyVerifier resolves bearer secrets. credentials.SQLKeyStore implements it.
type KeyVerifier interface {
	Verify(ctx context.Context, secret string) (*credentials.APIKey, error)
}

// Executions is the orchestrator surface the tools read.
type Executions interface {
	Get(ctx context.Context, id string) (*execution.Execution, error)
	Logs(ctx context.Context, id string, limit int) ([]string, error)
}

// Issues files issues against an execution's repository.
type Issues interface {
	CreateIssue(ctx context.Context, workspaceID, repoURL string, req github.IssueRequest) (*github.Issue, error)
}

// Deps are the server collaborators. Issues and Bus may be nil, which drops
// the tools that need them.
type Deps struct {
	Keys       KeyVerifier
	Executions Executions
	Issues     Issues
	Bus        bus.EventBus
}

// Server is the bridge: an MCP server behind the streamable HTTP transport.
type Server struct {
	deps      Deps
	mcpServer *server.MCPServer
	transport *server.StreamableHTTPServer
	logger    *logger.Logger
}

// New creates the server and registers its tools.
func New(deps Deps, log *logger.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: log.WithFields(zap.String("component", "mcp-server")),
	}
	s.mcpServer = server.NewMCPServer(
		"agentexec",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()

	// Stateless: each POST is self-contained, so agents that reconnect after
	// a restart keep working without a session handshake.
	s.transport = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath(Path),
		server.WithStateLess(true),
	)
	return s
}

// RegisterRoutes mounts the bridge behind key authentication.
func (s *Server) RegisterRoutes(router gin.IRoutes) {
	router.Any(Path, s.authenticate, gin.WrapH(s.transport))
	s.logger.Info("registered MCP routes", zap.String("http", Path))
}

// Close shuts the transport down.
func (s *Server) Close(ctx context.Context) error {
	return s.transport.Shutdown(ctx)
}

type callerKey struct{}

// caller is the identity a request authenticated as.
type caller struct {
	executionID string
	principal   string
}

func withCaller(ctx context.Context, c caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFrom(ctx context.Context) (caller, bool) {
	c, ok := ctx.Value(callerKey{}).(caller)
	return c, ok && c.executionID != ""
}

// authenticate accepts only live execution-scoped keys.
func (s *Server) authenticate(c *gin.Context) {
	secret, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(secret) == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	key, err := s.deps.Keys.Verify(c.Request.Context(), strings.TrimSpace(secret))
	switch {
	case errors.Is(err, credentials.ErrNotFound), errors.Is(err, credentials.ErrRevoked):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or revoked key"})
		return
	case err != nil:
		s.logger.Error("failed to verify tool bridge key", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "key verification failed"})
		return
	}
	executionID, ok := strings.CutPrefix(key.Scope, workspace.KeyScopePrefix)
	if !ok || executionID == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "key is not scoped to an execution"})
		return
	}
	c.Request = c.Request.WithContext(withCaller(c.Request.Context(), caller{
		executionID: executionID,
		principal:   key.Principal,
	}))
	c.Next()
}

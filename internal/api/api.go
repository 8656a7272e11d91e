// Package api is the HTTP surface of agentexec: execution control, runtime
// signal ingestion, workspace secrets and issue pass-throughs.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/credentials"
	"github.com/kandev/agentexec/internal/events/bus"
	"github.com/kandev/agentexec/internal/execution"
	"github.com/kandev/agentexec/internal/github"
	"github.com/kandev/agentexec/internal/metrics"
	"github.com/kandev/agentexec/internal/orchestrator"
	"github.com/kandev/agentexec/internal/runtime"
)

// Executions is the orchestrator surface the API drives.
type Executions interface {
	Execute(ctx context.Context, req orchestrator.ExecuteRequest) (*execution.Execution, error)
	Get(ctx context.Context, id string) (*execution.Execution, error)
	List(ctx context.Context, filter execution.ListFilter) ([]*execution.Execution, error)
	Stop(ctx context.Context, id, principal string) (*execution.Execution, error)
	Reset(ctx context.Context, id, principal string) (*execution.Execution, error)
	Logs(ctx context.Context, id string, limit int) ([]string, error)
}

// Issues is implemented by workspace.Provisioner.
type Issues interface {
	CreateIssue(ctx context.Context, workspaceID, repoURL string, req github.IssueRequest) (*github.Issue, error)
	GetIssue(ctx context.Context, workspaceID, repoURL string, number int) (*github.Issue, error)
	ListIssues(ctx context.Context, workspaceID, repoURL string, opts github.ListIssuesOptions) ([]*github.Issue, error)
	UpdateIssue(ctx context.Context, workspaceID, repoURL string, number int, update github.IssueUpdate) (*github.Issue, error)
	CommentIssue(ctx context.Context, workspaceID, repoURL string, number int, body string) (*github.IssueComment, error)
	CloseIssue(ctx context.Context, workspaceID, repoURL string, number int) (*github.Issue, error)
}

// RuntimeInfo is the part of runtime.Runtime the health route reports on.
type RuntimeInfo interface {
	Mode() runtime.Mode
	Endpoint() string
	CheckInstallation(ctx context.Context, agentKind string) error
}

// Deps are the handler collaborators. Every field except Executions may be
// nil, which leaves the matching routes unregistered.
type Deps struct {
	Executions       Executions
	Issues           Issues
	Secrets          credentials.SecretStore
	Runtime          RuntimeInfo
	Bus              bus.EventBus
	Metrics          *metrics.Metrics
	MetricsPath      string
	DefaultAgentKind string
}

// Handler serves the REST API.
type Handler struct {
	deps   Deps
	logger *logger.Logger
}

// NewHandler creates a Handler.
func NewHandler(deps Deps, log *logger.Logger) *Handler {
	if deps.DefaultAgentKind == "" {
		deps.DefaultAgentKind = execution.AgentClaude
	}
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	return &Handler{
		deps:   deps,
		logger: log.WithFields(zap.String("component", "api")),
	}
}

// RegisterRoutes mounts every route on router.
func (h *Handler) RegisterRoutes(router gin.IRoutes) {
	router.GET("/health", h.health)
	if h.deps.Metrics != nil {
		router.GET(h.deps.MetricsPath, gin.WrapH(h.deps.Metrics.Handler()))
	}

	router.POST("/api/executions", h.createExecution)
	router.GET("/api/executions", h.listExecutions)
	router.GET("/api/executions/:id", h.getExecution)
	router.POST("/api/executions/:id/stop", h.stopExecution)
	router.POST("/api/executions/:id/reset", h.resetExecution)
	router.GET("/api/executions/:id/logs", h.executionLogs)

	if h.deps.Runtime != nil {
		router.GET("/api/runtime/health", h.runtimeHealth)
	}
	if h.deps.Bus != nil {
		router.POST("/api/runtime/events", h.runtimeEvent)
	}

	if h.deps.Secrets != nil {
		router.GET("/api/workspaces/:ws/secrets", h.listSecrets)
		router.PUT("/api/workspaces/:ws/secrets/:name", h.putSecret)
		router.DELETE("/api/workspaces/:ws/secrets/:name", h.deleteSecret)
	}

	if h.deps.Issues != nil {
		router.GET("/api/workspaces/:ws/issues", h.listIssues)
		router.POST("/api/workspaces/:ws/issues", h.createIssue)
		router.GET("/api/workspaces/:ws/issues/:number", h.getIssue)
		router.PATCH("/api/workspaces/:ws/issues/:number", h.updateIssue)
		router.POST("/api/workspaces/:ws/issues/:number/comments", h.commentIssue)
		router.POST("/api/workspaces/:ws/issues/:number/close", h.closeIssue)
	}
}

func (h *Handler) health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if h.deps.Bus != nil {
		resp["bus"] = h.deps.Bus.IsConnected()
	}
	c.JSON(http.StatusOK, resp)
}

// principal identifies the caller. Authentication happens upstream.
func principal(c *gin.Context) string {
	return c.GetHeader("X-User-ID")
}

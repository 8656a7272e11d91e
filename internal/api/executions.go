package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/execution"
	"github.com/kandev/agentexec/internal/orchestrator"
)

const (
	defaultLogLines = 100
	maxLogLines     = 1000
	maxListLimit    = 500
)

// POST /api/executions
func (h *Handler) createExecution(c *gin.Context) {
	var req orchestrator.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err), "invalid request")
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = principal(c)
	}
	exec, err := h.deps.Executions.Execute(c.Request.Context(), req)
	if err != nil {
		if exec != nil {
			// Persisted but not queued; the row is already failed.
			h.logger.Error("execution not queued", zap.String("execution_id", exec.ID), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to queue execution", "execution": exec})
			return
		}
		h.writeError(c, err, "failed to create execution")
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

// GET /api/executions?workspaceId=&status=a,b&limit=
func (h *Handler) listExecutions(c *gin.Context) {
	filter := execution.ListFilter{WorkspaceID: c.Query("workspaceId")}
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := execution.Status(strings.TrimSpace(s))
			if !status.Valid() {
				h.writeError(c, fmt.Errorf("%w: unknown status %q", errBadRequest, s), "")
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	if limit > maxListLimit || limit <= 0 {
		limit = maxListLimit
	}
	filter.Limit = limit

	execs, err := h.deps.Executions.List(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err, "failed to list executions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs, "total": len(execs)})
}

// GET /api/executions/:id
func (h *Handler) getExecution(c *gin.Context) {
	exec, err := h.deps.Executions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "failed to load execution")
		return
	}
	c.JSON(http.StatusOK, exec)
}

// POST /api/executions/:id/stop
func (h *Handler) stopExecution(c *gin.Context) {
	exec, err := h.deps.Executions.Stop(c.Request.Context(), c.Param("id"), principal(c))
	if err != nil {
		h.writeError(c, err, "failed to stop execution")
		return
	}
	c.JSON(http.StatusOK, exec)
}

// POST /api/executions/:id/reset
func (h *Handler) resetExecution(c *gin.Context) {
	exec, err := h.deps.Executions.Reset(c.Request.Context(), c.Param("id"), principal(c))
	if err != nil {
		h.writeError(c, err, "failed to reset execution")
		return
	}
	c.JSON(http.StatusAccepted, exec)
}

// GET /api/executions/:id/logs?lines=
func (h *Handler) executionLogs(c *gin.Context) {
	lines, err := intQuery(c, "lines", defaultLogLines)
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	if lines <= 0 || lines > maxLogLines {
		lines = maxLogLines
	}
	logs, err := h.deps.Executions.Logs(c.Request.Context(), c.Param("id"), lines)
	if err != nil {
		h.writeError(c, err, "failed to read logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"executionId": c.Param("id"), "lines": logs})
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, key)
	}
	return n, nil
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/events"
	"github.com/kandev/agentexec/internal/events/bus"
)

const installationCheckTimeout = 10 * time.Second

// GET /api/runtime/health?agent=
func (h *Handler) runtimeHealth(c *gin.Context) {
	kind := c.DefaultQuery("agent", h.deps.DefaultAgentKind)
	ctx, cancel := context.WithTimeout(c.Request.Context(), installationCheckTimeout)
	defer cancel()

	resp := gin.H{
		"mode":     h.deps.Runtime.Mode(),
		"endpoint": h.deps.Runtime.Endpoint(),
		"agent":    kind,
	}
	if err := h.deps.Runtime.CheckInstallation(ctx, kind); err != nil {
		resp["healthy"] = false
		resp["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp["healthy"] = true
	c.JSON(http.StatusOK, resp)
}

type runtimeEventRequest struct {
	Type string                 `json:"type" binding:"required"`
	Data map[string]interface{} `json:"data"`
}

// POST /api/runtime/events republishes a remote runtime's signal on the bus.
func (h *Handler) runtimeEvent(c *gin.Context) {
	var req runtimeEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err), "")
		return
	}
	if !events.IsAgentSignal(req.Type) {
		h.writeError(c, fmt.Errorf("%w: unknown event type %q", errBadRequest, req.Type), "")
		return
	}
	if pid, _ := req.Data["process_id"].(string); pid == "" {
		h.writeError(c, fmt.Errorf("%w: data.process_id is required", errBadRequest), "")
		return
	}
	ev := bus.NewEvent(req.Type, "remote-runtime", req.Data)
	if err := h.deps.Bus.Publish(c.Request.Context(), req.Type, ev); err != nil {
		h.writeError(c, err, "failed to publish event")
		return
	}
	h.deps.Metrics.ObserveAgentSignal(req.Type)
	h.logger.Debug("runtime event accepted", zap.String("type", req.Type), zap.String("event_id", ev.ID))
	c.JSON(http.StatusAccepted, gin.H{"id": ev.ID})
}

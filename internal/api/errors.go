package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/credentials"
	"github.com/kandev/agentexec/internal/execution"
	"github.com/kandev/agentexec/internal/github"
	"github.com/kandev/agentexec/internal/orchestrator"
	"github.com/kandev/agentexec/internal/workspace"
)

var errBadRequest = errors.New("bad request")

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, orchestrator.ErrInvalidRequest),
		errors.Is(err, workspace.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, execution.ErrNotFound),
		errors.Is(err, credentials.ErrNotFound),
		errors.Is(err, github.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrAlreadyFinished),
		errors.Is(err, execution.ErrStatusConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError maps err to a status code. Server errors are logged and their
// detail withheld from the response.
func (h *Handler) writeError(c *gin.Context, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("route", c.FullPath()), zap.Error(err))
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

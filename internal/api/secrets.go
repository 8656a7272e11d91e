package api

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

var secretNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,127}$`)

type putSecretRequest struct {
	Value string `json:"value" binding:"required"`
}

// GET /api/workspaces/:ws/secrets lists names, never values.
func (h *Handler) listSecrets(c *gin.Context) {
	infos, err := h.deps.Secrets.List(c.Request.Context(), c.Param("ws"))
	if err != nil {
		h.writeError(c, err, "failed to list secrets")
		return
	}
	c.JSON(http.StatusOK, gin.H{"secrets": infos})
}

// PUT /api/workspaces/:ws/secrets/:name
func (h *Handler) putSecret(c *gin.Context) {
	name := c.Param("name")
	if !secretNamePattern.MatchString(name) {
		h.writeError(c, fmt.Errorf("%w: invalid secret name %q", errBadRequest, name), "")
		return
	}
	var req putSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err), "")
		return
	}
	if err := h.deps.Secrets.Put(c.Request.Context(), c.Param("ws"), name, req.Value); err != nil {
		h.writeError(c, err, "failed to store secret")
		return
	}
	c.Status(http.StatusNoContent)
}

// DELETE /api/workspaces/:ws/secrets/:name
func (h *Handler) deleteSecret(c *gin.Context) {
	if err := h.deps.Secrets.Delete(c.Request.Context(), c.Param("ws"), c.Param("name")); err != nil {
		h.writeError(c, err, "failed to delete secret")
		return
	}
	c.Status(http.StatusNoContent)
}

package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentexec/internal/github"
)

// Issue routes name the repository with ?repo=<url>.

func issueTarget(c *gin.Context) (ws, repo string, err error) {
	repo = c.Query("repo")
	if repo == "" {
		return "", "", fmt.Errorf("%w: repo query parameter is required", errBadRequest)
	}
	return c.Param("ws"), repo, nil
}

func issueNumber(c *gin.Context) (int, error) {
	n, err := strconv.Atoi(c.Param("number"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid issue number %q", errBadRequest, c.Param("number"))
	}
	return n, nil
}

func (h *Handler) listIssues(c *gin.Context) {
	ws, repo, err := issueTarget(c)
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	opts := github.ListIssuesOptions{State: c.Query("state"), Labels: c.Query("labels")}
	if opts.PerPage, err = intQuery(c, "perPage", 0); err != nil {
		h.writeError(c, err, "")
		return
	}
	if opts.Page, err = intQuery(c, "page", 0); err != nil {
		h.writeError(c, err, "")
		return
	}
	issues, err := h.deps.Issues.ListIssues(c.Request.Context(), ws, repo, opts)
	if err != nil {
		h.writeError(c, err, "failed to list issues")
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues, "total": len(issues)})
}

func (h *Handler) createIssue(c *gin.Context) {
	ws, repo, err := issueTarget(c)
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	var req github.IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Title == "" {
		h.writeError(c, fmt.Errorf("%w: title is required", errBadRequest), "")
		return
	}
	issue, err := h.deps.Issues.CreateIssue(c.Request.Context(), ws, repo, req)
	if err != nil {
		h.writeError(c, err, "failed to create issue")
		return
	}
	c.JSON(http.StatusCreated, issue)
}

func (h *Handler) getIssue(c *gin.Context) {
	ws, repo, err := issueTarget(c)
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	n, err := issueNumber(c)
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	issue, err := h.deps.Issues.GetIssue(c.Request.Context(), ws, repo, n)
	if err != nil {
		h.writeError(c, err, "failed to load issue")
		return
	}
	c.JSON(http.StatusOK, issue)
}

func (h *Handler) updateIssue(c *gin.Context) {
	ws, repo, err := issueTarget(c)
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	n, err := issueNumber(c)
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	var update github.IssueUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		h.writeError(c, fmt.Errorf("%w: %v", errBadRequest, err), "")
		return
	}
	issue, err := h.deps.Issues.UpdateIssue(c.Request.Context(), ws, repo, n, update)
	if err != nil {
		h.writeError(c, err, "failed to update issue")
		return
	}
	c.JSON(http.StatusOK, issue)
}

func (h *Handler) commentIssue(c *gin.Context) {
	ws, repo, err := issueTarget(c)
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	n, err := issueNumber(c)
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	var req struct {
		Body string `json:"body" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, fmt.Errorf("%w: body is required", errBadRequest), "")
		return
	}
	comment, err := h.deps.Issues.CommentIssue(c.Request.Context(), ws, repo, n, req.Body)
	if err != nil {
		h.writeError(c, err, "failed to comment on issue")
		return
	}
	c.JSON(http.StatusCreated, comment)
}

func (h *Handler) closeIssue(c *gin.Context) {
	ws, repo, err := issueTarget(c)
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	n, err := issueNumber(c)
	if err != nil {
		h.writeError(c, err, "")
		return
	}
	issue, err := h.deps.Issues.CloseIssue(c.Request.Context(), ws, repo, n)
	if err != nil {
		h.writeError(c, err, "failed to close issue")
		return
	}
	c.JSON(http.StatusOK, issue)
}

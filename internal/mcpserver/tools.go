package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/events"
	"github.com/kandev/agentexec/internal/events/bus"
	"github.com/kandev/agentexec/internal/github"
)

const (
	defaultLogLines = 50
	maxLogLines     = 500
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("get_execution",
			mcp.WithDescription("Show the execution you are running in: status, agent, repository and branch settings."),
		),
		s.wrap("get_execution", s.getExecution),
	)
	s.mcpServer.AddTool(
		mcp.NewTool("get_task",
			mcp.WithDescription("Return the task description and any structured task context."),
		),
		s.wrap("get_task", s.getTask),
	)
	s.mcpServer.AddTool(
		mcp.NewTool("recent_logs",
			mcp.WithDescription("Return the last lines of your own terminal output."),
			mcp.WithNumber("lines",
				mcp.Description(fmt.Sprintf("How many lines to return (default %d, max %d)", defaultLogLines, maxLogLines)),
			),
		),
		s.wrap("recent_logs", s.recentLogs),
	)
	count := 3
	if s.deps.Bus != nil {
		s.mcpServer.AddTool(
			mcp.NewTool("report_progress",
				mcp.WithDescription("Report a short progress note to whoever is watching this execution."),
				mcp.WithString("message",
					mcp.Required(),
					mcp.Description("What you have done or are about to do"),
				),
			),
			s.wrap("report_progress", s.reportProgress),
		)
		count++
	}
	if s.deps.Issues != nil {
		s.mcpServer.AddTool(
			mcp.NewTool("create_issue",
				mcp.WithDescription("Open an issue on the repository this execution works on, e.g. for follow-up work you found."),
				mcp.WithString("title",
					mcp.Required(),
					mcp.Description("The issue title"),
				),
				mcp.WithString("body",
					mcp.Description("The issue body in Markdown (optional)"),
				),
			),
			s.wrap("create_issue", s.createIssue),
		)
		count++
	}
	s.logger.Info("registered MCP tools", zap.Int("count", count))
}

// wrap resolves the caller and logs the call.
func (s *Server) wrap(tool string, fn func(ctx context.Context, who caller, req mcp.CallToolRequest) (*mcp.CallToolResult, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		who, ok := callerFrom(ctx)
		if !ok {
			return mcp.NewToolResultError("unauthenticated tool call"), nil
		}
		start := time.Now()
		res, err := fn(ctx, who, req)
		s.logger.Debug("MCP tool call",
			zap.String("tool", tool),
			zap.String("execution_id", who.executionID),
			zap.Duration("duration", time.Since(start)),
			zap.Bool("is_error", res != nil && res.IsError))
		return res, err
	}
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode response: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}

func (s *Server) getExecution(ctx context.Context, who caller, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	exec, err := s.deps.Executions.Get(ctx, who.executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load execution: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"id":          exec.ID,
		"workspaceId": exec.WorkspaceID,
		"status":      exec.Status,
		"agentKind":   exec.AgentKind,
		"repoUrl":     exec.Config.RepoURL,
		"baseBranch":  exec.Config.BaseBranch,
		"createdAt":   exec.CreatedAt,
		"startedAt":   exec.StartedAt,
	})
}

func (s *Server) getTask(ctx context.Context, who caller, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	exec, err := s.deps.Executions.Get(ctx, who.executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load execution: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"description": exec.TaskDescription,
		"context":     exec.TaskContext,
	})
}

func (s *Server) recentLogs(ctx context.Context, who caller, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n := req.GetInt("lines", defaultLogLines)
	if n <= 0 {
		n = defaultLogLines
	}
	if n > maxLogLines {
		n = maxLogLines
	}
	lines, err := s.deps.Executions.Logs(ctx, who.executionID, n)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read logs: %v", err)), nil
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) reportProgress(ctx context.Context, who caller, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return mcp.NewToolResultError("message must not be empty"), nil
	}
	ev := bus.NewEvent(events.ExecutionProgress, "mcp-server", map[string]interface{}{
		"execution_id": who.executionID,
		"principal":    who.principal,
		"message":      message,
	})
	if err := s.deps.Bus.Publish(ctx, events.ExecutionProgress, ev); err != nil {
		s.logger.Warn("failed to publish progress", zap.String("execution_id", who.executionID), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Failed to report progress: %v", err)), nil
	}
	return mcp.NewToolResultText("Progress recorded"), nil
}

func (s *Server) createIssue(ctx context.Context, who caller, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	exec, err := s.deps.Executions.Get(ctx, who.executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load execution: %v", err)), nil
	}
	if exec.Config.RepoURL == "" {
		return mcp.NewToolResultError("This execution has no repository"), nil
	}
	body := req.GetString("body", "")
	body = strings.TrimSpace(body + fmt.Sprintf("\n\n---\nFiled by execution `%s` (%s)", exec.ID, exec.AgentKind))
	issue, err := s.deps.Issues.CreateIssue(ctx, exec.WorkspaceID, exec.Config.RepoURL, github.IssueRequest{
		Title: title,
		Body:  body,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create issue: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{
		"number": issue.Number,
		"url":    issue.HTMLURL,
	})
}

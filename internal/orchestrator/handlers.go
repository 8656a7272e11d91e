package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/stringutil"
	"github.com/kandev/agentexec/internal/events"
	"github.com/kandev/agentexec/internal/execution"
	"github.com/kandev/agentexec/internal/orchestrator/watcher"
	"github.com/kandev/agentexec/internal/runtime/process"
	"github.com/kandev/agentexec/internal/terminal"
	"github.com/kandev/agentexec/internal/tracing"
	"github.com/kandev/agentexec/internal/workspace"
)

// summaryLogLines bounds the log tail used as a summary when the agent
// reports none.
const summaryLogLines = 20

const maxPRTitle = 72

// findByProcess loads the non-terminal execution holding processID. A signal
// can arrive before ProcessExecution has recorded the process id, so a miss
// is retried briefly.
func (s *Service) findByProcess(ctx context.Context, processID string) (*execution.Execution, error) {
	var lastErr error
	for attempt := 0; attempt < s.lookupAttempts; attempt++ {
		exec, err := s.repo.FindActiveByProcessID(ctx, processID)
		if err == nil {
			return exec, nil
		}
		if !errors.Is(err, execution.ErrNotFound) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.lookupBackoff):
		}
	}
	return nil, lastErr
}

// HandleAgentReady moves a spawning execution to running, opens its
// terminal session and delivers the task.
func (s *Service) HandleAgentReady(ctx context.Context, ev watcher.AgentEvent) (err error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.HandleAgentReady")
	defer func() { tracing.End(span, err) }()

	exec, err := s.findByProcess(ctx, ev.ProcessID)
	if errors.Is(err, execution.ErrNotFound) {
		s.logger.Debug("ready signal for unknown process", zap.String("process_id", ev.ProcessID))
		return nil
	}
	if err != nil {
		return err
	}
	span.SetAttributes(tracing.ExecutionAttrs(exec.ID, exec.WorkspaceID)...)
	if exec.Status != execution.StatusSpawning {
		s.logger.Debug("ignoring ready signal",
			zap.String("execution_id", exec.ID), zap.String("status", string(exec.Status)))
		return nil
	}

	runtimeSessionID := ev.RuntimeSessionID
	if runtimeSessionID == "" {
		runtimeSessionID = ev.ProcessID
	}
	now := time.Now().UTC()
	err = s.transition(ctx, exec, execution.StatusRunning, &execution.Patch{
		StartedAt:        &now,
		RuntimeSessionID: &runtimeSessionID,
	})
	if errors.Is(err, execution.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	exec.StartedAt = &now
	exec.RuntimeSessionID = runtimeSessionID

	s.openTerminal(ctx, exec)

	if err := s.runtime.Send(ctx, exec.ProcessID, taskPayload(exec)); err != nil {
		derr := &DeliveryError{Err: err}
		s.fail(ctx, exec, derr)
		s.terminateTerminal(ctx, exec, "delivery failed")
		s.scheduleCleanup(exec, s.cfg.FailureDelay)
		return derr
	}
	s.logger.Info("task delivered", zap.String("execution_id", exec.ID), zap.String("process_id", exec.ProcessID))
	return nil
}

func (s *Service) openTerminal(ctx context.Context, exec *execution.Execution) {
	if s.terminals == nil {
		return
	}
	sess, err := s.terminals.Create(ctx, terminal.CreateRequest{
		WorkspaceID:      exec.WorkspaceID,
		ProcessID:        exec.ProcessID,
		RuntimeSessionID: exec.RuntimeSessionID,
		UpstreamEndpoint: s.runtime.Endpoint(),
	})
	if err != nil {
		s.logger.Warn("failed to create terminal session", zap.String("execution_id", exec.ID), zap.Error(err))
		return
	}
	exec.TerminalSessionID = sess.ID
	if err := s.repo.Update(ctx, exec.ID, execution.Patch{TerminalSessionID: &sess.ID}); err != nil {
		s.logger.Warn("failed to record terminal session", zap.String("execution_id", exec.ID), zap.Error(err))
	}
}

// taskPayload is typed into the agent's prompt, so it stays on one line. The
// full task, with context, is in the task document the preparer wrote.
func taskPayload(exec *execution.Execution) string {
	var b strings.Builder
	b.WriteString(stringutil.OneLine(exec.TaskDescription))
	if exec.ExperimentID != nil && *exec.ExperimentID != "" {
		fmt.Fprintf(&b, " [experiment %s]", *exec.ExperimentID)
	}
	if len(exec.TaskContext) > 0 {
		if raw, err := json.Marshal(exec.TaskContext); err == nil {
			b.WriteString(" Context: ")
			b.Write(raw)
		}
	}
	fmt.Fprintf(&b, " Full details are in %s/TASK.md.", workspace.AgentDir)
	return b.String()
}

// HandleAgentStopped captures the result of a running execution, finalizes
// its workspace and completes it. Stops requested through Stop are ignored
// here because Stop owns that transition.
func (s *Service) HandleAgentStopped(ctx context.Context, ev watcher.AgentEvent) (err error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.HandleAgentStopped")
	defer func() { tracing.End(span, err) }()

	if ev.Reason == process.ReasonStopped {
		return nil
	}
	exec, err := s.findByProcess(ctx, ev.ProcessID)
	if errors.Is(err, execution.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	span.SetAttributes(tracing.ExecutionAttrs(exec.ID, exec.WorkspaceID)...)

	switch exec.Status {
	case execution.StatusRunning:
	case execution.StatusSpawning:
		cause := &SpawnError{Err: fmt.Errorf("agent exited before becoming ready%s", exitSuffix(ev.ExitCode))}
		s.fail(ctx, exec, cause)
		s.terminateTerminal(ctx, exec, "agent stopped")
		s.scheduleCleanup(exec, s.cfg.FailureDelay)
		return nil
	default:
		s.logger.Debug("ignoring stopped signal",
			zap.String("execution_id", exec.ID), zap.String("status", string(exec.Status)))
		return nil
	}

	if err := s.transition(ctx, exec, execution.StatusCapturing, nil); err != nil {
		if errors.Is(err, execution.ErrStatusConflict) {
			return nil
		}
		return err
	}

	result, err := s.capture(ctx, exec, ev)
	if err != nil {
		s.fail(ctx, exec, err)
		s.terminateTerminal(ctx, exec, "agent stopped")
		s.scheduleCleanup(exec, s.cfg.FailureDelay)
		return err
	}

	if exec.WorkspaceResourceID != "" && s.provisioner != nil {
		if err := s.transition(ctx, exec, execution.StatusFinalizing, nil); err != nil {
			return s.abortCapture(ctx, exec, err)
		}
		s.finalize(ctx, exec, result)
	}

	if err := s.transition(ctx, exec, execution.StatusCompleted, &execution.Patch{Result: result}); err != nil {
		return s.abortCapture(ctx, exec, err)
	}
	exec.Result = *result
	s.publish(ctx, events.ExecutionCompleted, map[string]interface{}{
		"execution_id": exec.ID,
		"workspace_id": exec.WorkspaceID,
		"status":       string(exec.Status),
		"pr_url":       result.Results["prUrl"],
		"pr_number":    result.Results["prNumber"],
	})
	s.revoke(ctx, exec)
	s.terminateTerminal(ctx, exec, "agent stopped")
	s.scheduleCleanup(exec, s.cfg.SuccessDelay)
	return nil
}

func (s *Service) abortCapture(ctx context.Context, exec *execution.Execution, err error) error {
	if errors.Is(err, execution.ErrStatusConflict) {
		return nil
	}
	cerr := &CaptureError{Err: err}
	s.fail(ctx, exec, cerr)
	s.terminateTerminal(ctx, exec, "agent stopped")
	s.scheduleCleanup(exec, s.cfg.FailureDelay)
	return cerr
}

func exitSuffix(code *int) string {
	if code == nil {
		return ""
	}
	return fmt.Sprintf(" (exit code %d)", *code)
}

// capture builds and persists the result.
func (s *Service) capture(ctx context.Context, exec *execution.Execution, ev watcher.AgentEvent) (*execution.Result, error) {
	result := &execution.Result{
		Summary:  ev.Summary,
		ExitCode: ev.ExitCode,
		Results:  make(map[string]interface{}, len(ev.Results)+2),
	}
	for k, v := range ev.Results {
		result.Results[k] = v
	}
	if result.Summary == "" {
		if lines, err := s.runtime.GetLogs(ctx, exec.ProcessID, summaryLogLines); err == nil {
			result.Summary = strings.TrimSpace(strings.Join(lines, "\n"))
		}
	}
	if exec.WorkspaceResourceID != "" && s.provisioner != nil {
		files, err := s.provisioner.ChangedFiles(ctx, exec.WorkspaceResourceID)
		if err != nil {
			return nil, &CaptureError{Err: fmt.Errorf("list changed files: %w", err)}
		}
		result.ChangedFiles = files
	}
	if err := s.repo.Update(ctx, exec.ID, execution.Patch{Result: result}); err != nil {
		return nil, &CaptureError{Err: fmt.Errorf("persist result: %w", err)}
	}
	return result, nil
}

// finalize publishes the workspace. Failures are logged and swallowed.
func (s *Service) finalize(ctx context.Context, exec *execution.Execution, result *execution.Result) {
	opts := workspace.FinalizeOptions{
		Push:     extraBool(exec.Config, "push", true),
		CreatePR: extraBool(exec.Config, "createPr", true),
		Title:    extraString(exec.Config, "prTitle"),
		Body:     extraString(exec.Config, "prBody"),
		Base:     exec.Config.BaseBranch,
	}
	if opts.Title == "" {
		opts.Title = prTitle(exec.TaskDescription)
	}
	if opts.Body == "" {
		opts.Body = prBody(exec, result)
	}
	res, err := s.provisioner.Finalize(ctx, exec.WorkspaceResourceID, opts)
	if err != nil {
		s.logger.Warn("finalize failed", zap.String("execution_id", exec.ID), zap.Error(&FinalizeError{Err: err}))
		return
	}
	if res != nil && res.PRURL != "" {
		result.Results["prUrl"] = res.PRURL
		result.Results["prNumber"] = res.PRNumber
	}
}

func prTitle(description string) string {
	return stringutil.Truncate(stringutil.FirstLine(description), maxPRTitle)
}

func prBody(exec *execution.Execution, result *execution.Result) string {
	var b strings.Builder
	b.WriteString(exec.TaskDescription)
	if result.Summary != "" {
		b.WriteString("\n\n## Summary\n\n")
		b.WriteString(result.Summary)
	}
	fmt.Fprintf(&b, "\n\n---\nExecution `%s` (%s)", exec.ID, exec.AgentKind)
	return b.String()
}

// HandleAgentError fails the execution holding the process.
func (s *Service) HandleAgentError(ctx context.Context, ev watcher.AgentEvent) (err error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.HandleAgentError")
	defer func() { tracing.End(span, err) }()

	exec, err := s.findByProcess(ctx, ev.ProcessID)
	if errors.Is(err, execution.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	msg := ev.Error
	if msg == "" {
		msg = "agent process failed" + exitSuffix(ev.ExitCode)
	}
	if s.fail(ctx, exec, errors.New(msg)) {
		s.terminateTerminal(ctx, exec, "agent error")
		s.scheduleCleanup(exec, s.cfg.FailureDelay)
	}
	return nil
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/execution"
	"github.com/kandev/agentexec/internal/runtime"
)

const scratchKeyPrefix = "scratch:"

// interruptedMessage is recorded on executions a restart caught mid-flight.
const interruptedMessage = "interrupted by restart"

// Stop cancels a non-terminal execution. The agent process is stopped on a
// best-effort basis; the execution is cancelled even if that fails.
func (s *Service) Stop(ctx context.Context, id, principal string) (*execution.Execution, error) {
	exec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return exec, fmt.Errorf("%w: execution is %s", ErrAlreadyFinished, exec.Status)
	}
	if principal == "" {
		principal = systemPrincipal
	}

	s.stopProcess(ctx, exec)

	done, err := s.finish(ctx, exec, execution.StatusCancelled, &execution.Patch{
		Metadata: map[string]interface{}{"stoppedBy": principal},
	})
	if err != nil {
		return nil, err
	}
	if !done {
		return exec, fmt.Errorf("%w: execution is %s", ErrAlreadyFinished, exec.Status)
	}
	s.revoke(ctx, exec)
	s.terminateTerminal(ctx, exec, "execution stopped")
	s.scheduleCleanup(exec, s.cfg.StopDelay)
	s.logger.Info("execution stopped", zap.String("execution_id", exec.ID), zap.String("principal", principal))
	return exec, nil
}

func (s *Service) stopProcess(ctx context.Context, exec *execution.Execution) {
	if exec.ProcessID == "" {
		return
	}
	err := s.runtime.Stop(ctx, exec.ProcessID)
	if err == nil || errors.Is(err, runtime.ErrProcessNotFound) {
		return
	}
	s.logger.Warn("failed to stop agent process",
		zap.String("execution_id", exec.ID),
		zap.Error(&StopError{ProcessID: exec.ProcessID, Err: err}))
}

// Reset stops the execution if it is still in flight and starts a fresh one
// from the same request. The new row records where it came from.
func (s *Service) Reset(ctx context.Context, id, principal string) (*execution.Execution, error) {
	exec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if principal == "" {
		principal = systemPrincipal
	}
	if !exec.Status.IsTerminal() {
		if _, err := s.Stop(ctx, id, principal); err != nil && !errors.Is(err, ErrAlreadyFinished) {
			return nil, fmt.Errorf("stop before reset: %w", err)
		}
	}
	return s.Execute(ctx, s.resetRequest(exec, principal))
}

func (s *Service) resetRequest(exec *execution.Execution, principal string) ExecuteRequest {
	meta := make(map[string]interface{}, len(exec.Metadata)+3)
	for k, v := range exec.Metadata {
		meta[k] = v
	}
	meta[MetaResetFrom] = exec.ID
	meta[MetaResetBy] = principal
	meta[MetaResetAt] = time.Now().UTC().Format(time.RFC3339)

	triggeredBy := exec.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = principal
	}
	return ExecuteRequest{
		WorkspaceID:     exec.WorkspaceID,
		TaskDescription: exec.TaskDescription,
		AgentKind:       exec.AgentKind,
		ExperimentID:    exec.ExperimentID,
		SubgroupID:      exec.SubgroupID,
		Config:          encodeConfig(exec.Config),
		TaskContext:     exec.TaskContext,
		TriggeredBy:     triggeredBy,
		Metadata:        meta,
	}
}

// Recover reconciles executions left in flight by a previous process. It
// waits out the grace period first so agents that survived the restart can
// report in. Pending rows are re-queued; rows that had not spawned an agent
// go back to pending; anything further along is failed and reset.
func (s *Service) Recover(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.RecoveryGrace):
	}

	inflight, err := s.repo.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("list in-flight executions: %w", err)
	}
	if len(inflight) == 0 {
		return nil
	}
	s.logger.Info("recovering in-flight executions", zap.Int("count", len(inflight)))

	var requeued, reset int
	for _, exec := range inflight {
		if err := ctx.Err(); err != nil {
			return err
		}
		log := s.logger.WithExecutionID(exec.ID)
		switch exec.Status {
		case execution.StatusPending:
			// A claim left by a worker that died before the row moved on
			// would make the enqueue a silent no-op.
			_ = s.queue.Done(ctx, exec.ID)
			if err := s.enqueue(ctx, exec.ID); err != nil {
				log.Warn("failed to re-queue pending execution", zap.Error(err))
				continue
			}
			requeued++

		case execution.StatusProvisioning, execution.StatusSpawning:
			s.stopProcess(ctx, exec)
			if err := s.transition(ctx, exec, execution.StatusPending, nil); err != nil {
				log.Warn("failed to return execution to pending", zap.Error(err))
				continue
			}
			// The old claim belongs to the dead worker.
			_ = s.queue.Done(ctx, exec.ID)
			if err := s.enqueue(ctx, exec.ID); err != nil {
				s.fail(ctx, exec, fmt.Errorf("re-queue after restart: %w", err))
				continue
			}
			requeued++

		default:
			won := s.fail(ctx, exec, errors.New(interruptedMessage))
			s.stopProcess(ctx, exec)
			s.terminateTerminal(ctx, exec, interruptedMessage)
			if !won {
				continue
			}
			s.scheduleCleanup(exec, s.cfg.FailureDelay)
			if _, err := s.Execute(ctx, s.resetRequest(exec, systemPrincipal)); err != nil {
				log.Warn("failed to reset interrupted execution", zap.Error(err))
				continue
			}
			reset++
		}
	}
	s.logger.Info("recovery finished", zap.Int("requeued", requeued), zap.Int("reset", reset))
	return nil
}

// scheduleCleanup arranges for the execution's working directory to be
// removed after delay. Rescheduling the same resource replaces the timer.
func (s *Service) scheduleCleanup(exec *execution.Execution, delay time.Duration) {
	key := exec.WorkspaceResourceID
	if key == "" {
		if exec.Config.RepoURL != "" || s.cfg.ScratchDir == "" {
			return
		}
		key = scratchKeyPrefix + exec.ID
	}
	s.cleanup.Schedule(key, delay)
	s.logger.Debug("cleanup scheduled",
		zap.String("execution_id", exec.ID),
		zap.String("key", key),
		zap.Duration("delay", delay))
}

func (s *Service) runCleanup(ctx context.Context, key string) error {
	if id, ok := strings.CutPrefix(key, scratchKeyPrefix); ok {
		if id == "" || strings.ContainsAny(id, `/\`) {
			return fmt.Errorf("invalid scratch key %q", key)
		}
		return os.RemoveAll(filepath.Join(s.cfg.ScratchDir, id))
	}
	if s.provisioner == nil {
		return nil
	}
	s.provisioner.Cleanup(ctx, key)
	return nil
}

// PendingCleanup reports when the execution's cleanup is due, if scheduled.
func (s *Service) PendingCleanup(exec *execution.Execution) (time.Time, bool) {
	key := exec.WorkspaceResourceID
	if key == "" {
		key = scratchKeyPrefix + exec.ID
	}
	return s.cleanup.Pending(key)
}

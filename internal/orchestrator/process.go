package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/execution"
	"github.com/kandev/agentexec/internal/tracing"
	"github.com/kandev/agentexec/internal/workspace"
)

// ProcessExecution is the queue worker handler. It provisions the working
// directory, prepares it and spawns the agent. Executions no longer pending
// are skipped, so duplicate deliveries are harmless. Any failure fails the
// execution; the worker never retries.
func (s *Service) ProcessExecution(ctx context.Context, id string) (err error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.ProcessExecution", trace.WithAttributes(tracing.ExecutionAttrs(id, "")...))
	defer func() { tracing.End(span, err) }()

	exec, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load execution: %w", err)
	}
	log := s.logger.WithExecutionID(exec.ID)
	if exec.Status != execution.StatusPending {
		log.Debug("skipping execution that is no longer pending", zap.String("status", string(exec.Status)))
		return nil
	}

	dir, branch, err := s.provision(ctx, exec)
	if err != nil {
		s.fail(ctx, exec, err)
		s.scheduleCleanup(exec, s.cfg.FailureDelay)
		return err
	}

	if err := s.spawn(ctx, exec, dir, branch); err != nil {
		if errors.Is(err, execution.ErrInvalidTransition) {
			// Stopped mid-spawn; Stop already finished the row and scheduled cleanup.
			log.Info("execution left spawning before its process was recorded", zap.Error(err))
			return err
		}
		s.fail(ctx, exec, err)
		s.scheduleCleanup(exec, s.cfg.FailureDelay)
		return err
	}
	return nil
}

// provision prepares the directory the agent runs in: a worktree when the
// execution names a repository, otherwise a scratch directory.
func (s *Service) provision(ctx context.Context, exec *execution.Execution) (dir, branch string, err error) {
	if exec.Config.RepoURL == "" {
		dir = filepath.Join(s.cfg.ScratchDir, exec.ID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", "", &ProvisioningError{Err: err}
		}
		return dir, "", nil
	}
	if s.provisioner == nil {
		return "", "", &ProvisioningError{Err: errors.New("no workspace provisioner configured")}
	}

	if err := s.transition(ctx, exec, execution.StatusProvisioning, nil); err != nil {
		return "", "", &ProvisioningError{Err: err}
	}
	res, err := s.provisioner.Provision(ctx, workspace.ProvisionArgs{
		WorkspaceID:  exec.WorkspaceID,
		ExecutionID:  exec.ID,
		ExperimentID: exec.ExperimentID,
		RepoURL:      exec.Config.RepoURL,
		BaseBranch:   exec.Config.BaseBranch,
		LinkedID:     exec.ID,
	})
	if res != nil && res.ID != "" {
		// Record the resource even on failure so cleanup can find it.
		exec.WorkspaceResourceID = res.ID
		if uerr := s.repo.Update(ctx, exec.ID, execution.Patch{WorkspaceResourceID: &res.ID}); uerr != nil {
			s.logger.Warn("failed to record workspace resource", zap.String("execution_id", exec.ID), zap.Error(uerr))
		}
	}
	if err != nil {
		return "", "", &ProvisioningError{Err: err}
	}
	return res.Path, res.BranchName, nil
}

func (s *Service) spawn(ctx context.Context, exec *execution.Execution, dir, branch string) error {
	var llmEnv map[string]string
	if s.credentials != nil {
		env, err := s.credentials.LLMEnv(ctx, exec.WorkspaceID)
		if err != nil {
			return &SpawnError{Err: fmt.Errorf("resolve credentials: %w", err)}
		}
		llmEnv = env
	}

	prepared, err := s.preparer.Prepare(ctx, workspace.PrepareRequest{
		Execution: exec,
		Principal: principalOf(exec),
		Dir:       dir,
		Branch:    branch,
		LLMEnv:    llmEnv,
	})
	if err != nil {
		return &SpawnError{Err: fmt.Errorf("prepare workspace: %w", err)}
	}

	if err := s.transition(ctx, exec, execution.StatusSpawning, nil); err != nil {
		return &SpawnError{Err: err}
	}
	handle, err := s.runtime.Spawn(ctx, prepared.Spawn)
	if err != nil {
		return &SpawnError{Err: err}
	}
	if err := s.repo.SetProcessID(ctx, exec.ID, handle.ProcessID); err != nil {
		if serr := s.runtime.Stop(ctx, handle.ProcessID); serr != nil {
			s.logger.Warn("failed to stop orphaned process", zap.Error(&StopError{ProcessID: handle.ProcessID, Err: serr}))
		}
		if errors.Is(err, execution.ErrInvalidTransition) {
			return fmt.Errorf("record process id %s: %w", handle.ProcessID, err)
		}
		return &SpawnError{Err: fmt.Errorf("record process id: %w", err)}
	}
	exec.ProcessID = handle.ProcessID
	s.logger.Info("agent spawned",
		zap.String("execution_id", exec.ID),
		zap.String("process_id", handle.ProcessID),
		zap.String("agent_kind", exec.AgentKind),
		zap.String("dir", dir))
	return nil
}

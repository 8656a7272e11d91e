// Package orchestrator drives executions through their status graph: it
// provisions a working directory, spawns the agent, delivers the task,
// captures the result, finalizes the workspace and schedules cleanup. Every
// status change is a compare-and-set in the execution repository, so a
// restarted or concurrent orchestrator never applies an edge twice.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/cleanup"
	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/events"
	"github.com/kandev/agentexec/internal/events/bus"
	"github.com/kandev/agentexec/internal/execution"
	"github.com/kandev/agentexec/internal/metrics"
	"github.com/kandev/agentexec/internal/orchestrator/queue"
	"github.com/kandev/agentexec/internal/orchestrator/watcher"
	"github.com/kandev/agentexec/internal/runtime"
	"github.com/kandev/agentexec/internal/terminal"
	"github.com/kandev/agentexec/internal/tracing"
	"github.com/kandev/agentexec/internal/workspace"
)

// Provisioner is the subset of workspace.Provisioner used here.
type Provisioner interface {
	Provision(ctx context.Context, args workspace.ProvisionArgs) (*workspace.Resource, error)
	Finalize(ctx context.Context, id string, opts workspace.FinalizeOptions) (*workspace.Resource, error)
	Cleanup(ctx context.Context, id string)
	ChangedFiles(ctx context.Context, id string) ([]string, error)
}

// Preparer is the subset of workspace.Preparer used here.
type Preparer interface {
	Prepare(ctx context.Context, req workspace.PrepareRequest) (*workspace.Prepared, error)
	Revoke(ctx context.Context, executionID, principal string) error
}

// LLMCredentials resolves provider keys for a workspace.
type LLMCredentials interface {
	LLMEnv(ctx context.Context, workspaceID string) (map[string]string, error)
}

// TerminalSessions is the subset of terminal.Manager used here.
type TerminalSessions interface {
	Create(ctx context.Context, req terminal.CreateRequest) (*terminal.Session, error)
	TerminateByProcess(ctx context.Context, processID, reason string) error
}

// Config holds orchestrator settings. Zero durations take defaults.
type Config struct {
	DefaultAgentKind string
	ScratchDir       string
	RecoveryGrace    time.Duration
	FailureDelay     time.Duration
	SuccessDelay     time.Duration
	// StopDelay is the cleanup delay after a manual stop.
	StopDelay time.Duration
}

const (
	defaultRecoveryGrace = 5 * time.Second
	defaultFailureDelay  = 3 * time.Minute
	defaultSuccessDelay  = 30 * time.Minute
	defaultStopDelay     = 10 * time.Second

	systemPrincipal = "system"

	// Metadata keys written on reset rows.
	MetaResetFrom = "resetFromExecutionId"
	MetaResetBy   = "resetBy"
	MetaResetAt   = "resetAt"
)

// Deps are the collaborators of a Service. Bus, Metrics and Terminals may be
// nil.
type Deps struct {
	Repo        execution.Repository
	Queue       queue.Queue
	Runtime     runtime.Runtime
	Provisioner Provisioner
	Preparer    Preparer
	Credentials LLMCredentials
	Terminals   TerminalSessions
	Bus         bus.EventBus
	Metrics     *metrics.Metrics
}

// Service is the execution orchestrator.
type Service struct {
	cfg         Config
	repo        execution.Repository
	queue       queue.Queue
	runtime     runtime.Runtime
	provisioner Provisioner
	preparer    Preparer
	credentials LLMCredentials
	terminals   TerminalSessions
	bus         bus.EventBus
	metrics     *metrics.Metrics
	schema      *jsonschema.Schema
	tracer      trace.Tracer
	logger      *logger.Logger

	cleanup *cleanup.Scheduler
	watcher *watcher.Watcher

	// process lookups retry briefly: a signal can beat SetProcessID.
	lookupAttempts int
	lookupBackoff  time.Duration

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	recovery sync.WaitGroup
}

// NewService wires a Service. Call Start to subscribe to agent signals.
func NewService(cfg Config, deps Deps, log *logger.Logger) (*Service, error) {
	if deps.Repo == nil || deps.Queue == nil || deps.Runtime == nil || deps.Preparer == nil {
		return nil, errors.New("orchestrator: repo, queue, runtime and preparer are required")
	}
	schema, err := compileConfigSchema()
	if err != nil {
		return nil, err
	}
	if cfg.DefaultAgentKind == "" {
		cfg.DefaultAgentKind = execution.AgentClaude
	}
	if cfg.RecoveryGrace <= 0 {
		cfg.RecoveryGrace = defaultRecoveryGrace
	}
	if cfg.FailureDelay <= 0 {
		cfg.FailureDelay = defaultFailureDelay
	}
	if cfg.SuccessDelay <= 0 {
		cfg.SuccessDelay = defaultSuccessDelay
	}
	if cfg.StopDelay <= 0 {
		cfg.StopDelay = defaultStopDelay
	}

	s := &Service{
		cfg:            cfg,
		repo:           deps.Repo,
		queue:          deps.Queue,
		runtime:        deps.Runtime,
		provisioner:    deps.Provisioner,
		preparer:       deps.Preparer,
		credentials:    deps.Credentials,
		terminals:      deps.Terminals,
		bus:            deps.Bus,
		metrics:        deps.Metrics,
		schema:         schema,
		tracer:         tracing.Tracer("agentexec/orchestrator"),
		logger:         log.WithFields(zap.String("component", "orchestrator")),
		lookupAttempts: 10,
		lookupBackoff:  100 * time.Millisecond,
	}
	s.cleanup = cleanup.NewScheduler(context.Background(), s.runCleanup, log)
	if deps.Bus != nil {
		s.watcher = watcher.NewWatcher(deps.Bus, watcher.EventHandlers{
			OnAgentReady:   s.HandleAgentReady,
			OnAgentStopped: s.HandleAgentStopped,
			OnAgentError:   s.HandleAgentError,
		}, log)
	}
	return s, nil
}

// Start subscribes to agent signals and launches restart recovery in the
// background.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			return err
		}
	}
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.running = true

	s.recovery.Add(1)
	go func() {
		defer s.recovery.Done()
		if err := s.Recover(rctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("restart recovery failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown unsubscribes, abandons recovery and drops pending cleanups.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if s.watcher != nil {
		s.watcher.Stop()
	}
	cancel()
	s.recovery.Wait()
	s.cleanup.Stop()
}

// ExecuteRequest starts a new execution.
type ExecuteRequest struct {
	WorkspaceID     string                 `json:"workspaceId"`
	TaskDescription string                 `json:"taskDescription"`
	AgentKind       string                 `json:"agentKind,omitempty"`
	ExperimentID    *string                `json:"experimentId,omitempty"`
	SubgroupID      *string                `json:"subgroupId,omitempty"`
	Config          map[string]interface{} `json:"config,omitempty"`
	TaskContext     map[string]interface{} `json:"taskContext,omitempty"`
	TriggeredBy     string                 `json:"triggeredBy,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

func validAgentKind(kind string) bool {
	switch kind {
	case execution.AgentClaude, execution.AgentCodex, execution.AgentGemini, execution.AgentAider:
		return true
	}
	return false
}

// Execute validates and persists a pending execution and enqueues it. It
// returns as soon as the job is queued.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*execution.Execution, error) {
	if strings.TrimSpace(req.WorkspaceID) == "" {
		return nil, fmt.Errorf("%w: workspaceId is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.TaskDescription) == "" {
		return nil, fmt.Errorf("%w: taskDescription is required", ErrInvalidRequest)
	}
	if req.AgentKind == "" {
		req.AgentKind = s.cfg.DefaultAgentKind
	}
	if !validAgentKind(req.AgentKind) {
		return nil, fmt.Errorf("%w: unknown agent kind %q", ErrInvalidRequest, req.AgentKind)
	}
	cfg, err := decodeConfig(s.schema, req.Config)
	if err != nil {
		return nil, err
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = execution.DefaultBaseBranch
	}

	exec := &execution.Execution{
		WorkspaceID:     req.WorkspaceID,
		TaskDescription: req.TaskDescription,
		AgentKind:       req.AgentKind,
		Status:          execution.StatusPending,
		ExperimentID:    req.ExperimentID,
		SubgroupID:      req.SubgroupID,
		Config:          cfg,
		TaskContext:     req.TaskContext,
		TriggeredBy:     req.TriggeredBy,
		Metadata:        req.Metadata,
	}
	if err := s.repo.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	s.metrics.ObserveTransition("", string(execution.StatusPending))
	s.publishStatus(ctx, exec, "")

	if err := s.enqueue(ctx, exec.ID); err != nil {
		failErr := fmt.Errorf("enqueue execution: %w", err)
		s.fail(ctx, exec, failErr)
		return exec, failErr
	}
	s.logger.Info("execution queued",
		zap.String("execution_id", exec.ID),
		zap.String("workspace_id", exec.WorkspaceID),
		zap.String("agent_kind", exec.AgentKind))
	return exec, nil
}

// enqueue treats a duplicate key as success: the job is already pending.
func (s *Service) enqueue(ctx context.Context, executionID string) error {
	err := s.queue.Enqueue(ctx, queue.NewJob(executionID))
	if errors.Is(err, queue.ErrJobExists) {
		s.logger.Debug("execution already queued", zap.String("execution_id", executionID))
		return nil
	}
	return err
}

// Get returns one execution.
func (s *Service) Get(ctx context.Context, id string) (*execution.Execution, error) {
	return s.repo.Get(ctx, id)
}

// List returns executions matching filter, newest first.
func (s *Service) List(ctx context.Context, filter execution.ListFilter) ([]*execution.Execution, error) {
	return s.repo.List(ctx, filter)
}

// Logs returns up to limit recent output lines of the execution's process.
// Executions that never spawned have no logs.
func (s *Service) Logs(ctx context.Context, id string, limit int) ([]string, error) {
	exec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.ProcessID == "" {
		return []string{}, nil
	}
	lines, err := s.runtime.GetLogs(ctx, exec.ProcessID, limit)
	if errors.Is(err, runtime.ErrProcessNotFound) {
		return []string{}, nil
	}
	return lines, err
}

// transition moves exec from its current status to `to`, applying patch,
// and publishes the change. On success exec.Status is updated.
func (s *Service) transition(ctx context.Context, exec *execution.Execution, to execution.Status, patch *execution.Patch) error {
	from := exec.Status
	if err := s.repo.TransitionStatus(ctx, exec.ID, from, to, patch); err != nil {
		return err
	}
	exec.Status = to
	if patch != nil && patch.ErrorMessage != nil {
		exec.ErrorMessage = *patch.ErrorMessage
	}
	s.metrics.ObserveTransition(string(from), string(to))
	if to.IsTerminal() {
		s.metrics.ObserveExecutionDone(string(to), exec.CreatedAt)
	}
	s.publishStatus(ctx, exec, from)
	s.logger.Info("execution status changed",
		zap.String("execution_id", exec.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

// finish moves exec to a terminal status from wherever it currently is,
// reloading and retrying when a concurrent writer moved it first. It
// returns false when exec was already terminal.
func (s *Service) finish(ctx context.Context, exec *execution.Execution, to execution.Status, patch *execution.Patch) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		if exec.Status.IsTerminal() {
			return false, nil
		}
		err := s.transition(ctx, exec, to, patch)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, execution.ErrStatusConflict) {
			return false, err
		}
		fresh, gerr := s.repo.Get(ctx, exec.ID)
		if gerr != nil {
			return false, gerr
		}
		*exec = *fresh
	}
	return false, fmt.Errorf("%w: gave up moving %s to %s", execution.ErrStatusConflict, exec.ID, to)
}

// fail marks exec failed with cause as its message and revokes its scoped
// credential. It reports whether this call made the transition.
func (s *Service) fail(ctx context.Context, exec *execution.Execution, cause error) bool {
	msg := cause.Error()
	done, err := s.finish(ctx, exec, execution.StatusFailed, &execution.Patch{ErrorMessage: &msg})
	if err != nil {
		s.logger.Error("failed to mark execution failed",
			zap.String("execution_id", exec.ID), zap.NamedError("cause", cause), zap.Error(err))
		return false
	}
	if done {
		s.logger.Warn("execution failed", zap.String("execution_id", exec.ID), zap.Error(cause))
		s.revoke(ctx, exec)
	}
	return done
}

func principalOf(exec *execution.Execution) string {
	if exec.TriggeredBy != "" {
		return exec.TriggeredBy
	}
	return systemPrincipal
}

func (s *Service) revoke(ctx context.Context, exec *execution.Execution) {
	if err := s.preparer.Revoke(ctx, exec.ID, principalOf(exec)); err != nil {
		s.logger.Warn("failed to revoke execution key", zap.String("execution_id", exec.ID), zap.Error(err))
	}
}

func (s *Service) terminateTerminal(ctx context.Context, exec *execution.Execution, reason string) {
	if s.terminals == nil || exec.ProcessID == "" {
		return
	}
	if err := s.terminals.TerminateByProcess(ctx, exec.ProcessID, reason); err != nil {
		s.logger.Warn("failed to terminate terminal session",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
}

func (s *Service) publishStatus(ctx context.Context, exec *execution.Execution, from execution.Status) {
	s.publish(ctx, events.ExecutionStatusChanged, map[string]interface{}{
		"execution_id":  exec.ID,
		"workspace_id":  exec.WorkspaceID,
		"old_status":    string(from),
		"status":        string(exec.Status),
		"error_message": exec.ErrorMessage,
	})
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, "orchestrator", data)); err != nil {
		s.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/config"
	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/events"
	"github.com/kandev/agentexec/internal/events/bus"
	"github.com/kandev/agentexec/internal/metrics"
	"github.com/kandev/agentexec/internal/runtime/process"
)

const (
	interruptCooldown = 1500 * time.Millisecond
	interruptFollowUp = 250 * time.Millisecond
	// ctrlC is the interrupt control sequence written to a stalled agent.
	ctrlC = "\x03"
)

var signalSubjects = map[process.SignalKind]string{
	process.SignalReady:         events.AgentReady,
	process.SignalStopped:       events.AgentStopped,
	process.SignalError:         events.AgentError,
	process.SignalLoginRequired: events.AgentLoginRequired,
	process.SignalToolRunning:   events.AgentToolRunning,
}

// LocalRuntime runs agents under PTYs on this host and bridges their signals
// onto the event bus.
type LocalRuntime struct {
	cfg     config.RuntimeConfig
	agents  map[string]config.AgentCommandConfig
	runner  *process.Runner
	bus     bus.EventBus
	metrics *metrics.Metrics
	logger  *logger.Logger

	mu         sync.RWMutex
	workspaces map[string]string // process id -> workspace id

	interruptMu   sync.Mutex
	lastInterrupt map[string]time.Time

	closed atomic.Bool
}

// NewLocalRuntime creates a local runtime.
func NewLocalRuntime(cfg config.RuntimeConfig, deps Deps, log *logger.Logger) *LocalRuntime {
	r := &LocalRuntime{
		cfg:           cfg,
		agents:        deps.Agents,
		bus:           deps.Bus,
		metrics:       deps.Metrics,
		logger:        log.WithFields(zap.String("component", "local-runtime")),
		workspaces:    make(map[string]string),
		lastInterrupt: make(map[string]time.Time),
	}
	r.runner = process.NewRunner(log, cfg.BufferMaxBytes, r.handleSignal)
	return r
}

func (r *LocalRuntime) Mode() Mode       { return ModeLocal }
func (r *LocalRuntime) Endpoint() string { return "" }

// Spawn starts the agent. Caller env wins over the cleared nesting guards.
func (r *LocalRuntime) Spawn(ctx context.Context, cfg SpawnConfig) (*ProcessHandle, error) {
	if r.closed.Load() {
		return nil, errors.New("runtime is shut down")
	}
	command := cfg.Command
	if len(command) == 0 {
		command = AgentCommand(cfg.AgentKind, r.agents)
	}
	detector := cfg.Detector
	if detector == "" {
		detector = AgentDetector(cfg.AgentKind)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = r.cfg.SpawnTimeout
	}
	cols, rows := cfg.Cols, cfg.Rows
	if cols <= 0 {
		cols = r.cfg.DefaultCols
	}
	if rows <= 0 {
		rows = r.cfg.DefaultRows
	}

	info, err := r.runner.Start(ctx, process.StartRequest{
		Command:      command,
		Dir:          cfg.Dir,
		Env:          guardedEnv(cfg.Env),
		WorkspaceID:  cfg.WorkspaceID,
		Detector:     detector,
		SpawnTimeout: timeout,
		Cols:         cols,
		Rows:         rows,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cfg.AgentKind, err)
	}
	r.mu.Lock()
	r.workspaces[info.ID] = cfg.WorkspaceID
	r.mu.Unlock()
	// A fast exit may have been signalled before the entry existed.
	if current, ok := r.runner.Get(info.ID); ok && !current.Alive {
		r.forget(info.ID)
	}
	r.metrics.SetLocalProcesses(r.runner.AliveCount())

	r.logger.Info("agent spawned",
		zap.String("process_id", info.ID),
		zap.String("execution_id", cfg.ExecutionID),
		zap.String("workspace_id", cfg.WorkspaceID),
		zap.String("agent_kind", cfg.AgentKind))

	return &ProcessHandle{
		ProcessID:   info.ID,
		WorkspaceID: cfg.WorkspaceID,
		StartedAt:   info.StartedAt,
		Alive:       info.Alive,
	}, nil
}

// Send writes message followed by a carriage return.
func (r *LocalRuntime) Send(ctx context.Context, processID, message string) error {
	if err := r.runner.Write(processID, []byte(message+"\r")); err != nil {
		return r.wrap(err)
	}
	return nil
}

// Stop terminates the process and forgets its workspace.
func (r *LocalRuntime) Stop(ctx context.Context, processID string) error {
	r.forget(processID)
	if err := r.runner.Stop(ctx, processID); err != nil {
		return r.wrap(err)
	}
	r.metrics.SetLocalProcesses(r.runner.AliveCount())
	return nil
}

// GetLogs returns up to limit recent output lines with escape sequences removed.
func (r *LocalRuntime) GetLogs(ctx context.Context, processID string, limit int) ([]string, error) {
	lines, err := r.runner.Lines(processID, limit)
	if err != nil {
		return nil, r.wrap(err)
	}
	return lines, nil
}

func (r *LocalRuntime) GetSession(processID string) *Session {
	info, ok := r.runner.Get(processID)
	if !ok || !info.Alive {
		return nil
	}
	return &Session{ProcessID: info.ID, WorkspaceID: info.WorkspaceID, StartedAt: info.StartedAt}
}

func (r *LocalRuntime) AttachTerminal(processID string) Attachment {
	info, ok := r.runner.Get(processID)
	if !ok || !info.Alive {
		return nil
	}
	return &localAttachment{runner: r.runner, processID: processID}
}

// CheckInstallation looks the agent binary up on PATH.
func (r *LocalRuntime) CheckInstallation(ctx context.Context, agentKind string) error {
	bin := AgentCommand(agentKind, r.agents)[0]
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("%w: %s (%s)", ErrNotInstalled, agentKind, bin)
	}
	return nil
}

// Shutdown stops every process and clears the workspace map. Signals raised
// while shutting down are not published.
func (r *LocalRuntime) Shutdown(ctx context.Context) error {
	if r.closed.Swap(true) {
		return nil
	}
	r.runner.StopAll(ctx)
	r.mu.Lock()
	r.workspaces = make(map[string]string)
	r.mu.Unlock()
	r.metrics.SetLocalProcesses(0)
	r.logger.Info("local runtime shut down")
	return nil
}

func (r *LocalRuntime) forget(processID string) {
	r.mu.Lock()
	delete(r.workspaces, processID)
	r.mu.Unlock()
	r.interruptMu.Lock()
	delete(r.lastInterrupt, processID)
	r.interruptMu.Unlock()
}

func (r *LocalRuntime) workspaceOf(sig process.Signal) string {
	r.mu.RLock()
	ws, ok := r.workspaces[sig.ProcessID]
	r.mu.RUnlock()
	if ok {
		return ws
	}
	return sig.WorkspaceID
}

// handleSignal translates a runner signal into an agent.* event.
func (r *LocalRuntime) handleSignal(sig process.Signal) {
	if r.closed.Load() {
		return
	}
	subject, ok := signalSubjects[sig.Kind]
	if !ok {
		return
	}
	workspaceID := r.workspaceOf(sig)
	if sig.Kind == process.SignalStopped || sig.Kind == process.SignalError {
		r.forget(sig.ProcessID)
		r.metrics.SetLocalProcesses(r.runner.AliveCount())
	}
	r.metrics.ObserveAgentSignal(string(sig.Kind))

	data := map[string]interface{}{
		"process_id":   sig.ProcessID,
		"workspace_id": workspaceID,
	}
	if sig.ExitCode != nil {
		data["exit_code"] = *sig.ExitCode
	}
	if sig.Reason != "" {
		data["reason"] = sig.Reason
	}
	if sig.Err != nil {
		data["error"] = sig.Err.Error()
	}
	r.publish(subject, data)

	if sig.Kind == process.SignalToolRunning {
		go r.handleToolRunning(sig.ProcessID, workspaceID)
	}
}

// handleToolRunning either asks for human attention or interrupts the stalled
// tool with two ctrl-c writes. Success means the first write went through; the
// agent never confirms.
func (r *LocalRuntime) handleToolRunning(processID, workspaceID string) {
	if !r.cfg.AutoInterrupt {
		r.metrics.ObserveInterrupt("attention_required")
		r.publish(events.AgentToolAttentionRequired, map[string]interface{}{
			"process_id":   processID,
			"workspace_id": workspaceID,
		})
		return
	}

	r.interruptMu.Lock()
	if last, ok := r.lastInterrupt[processID]; ok && time.Since(last) < interruptCooldown {
		r.interruptMu.Unlock()
		r.metrics.ObserveInterrupt("cooldown")
		return
	}
	r.lastInterrupt[processID] = time.Now()
	r.interruptMu.Unlock()

	err := r.runner.Write(processID, []byte(ctrlC))
	succeeded := err == nil
	if succeeded {
		time.AfterFunc(interruptFollowUp, func() {
			if err := r.runner.Write(processID, []byte(ctrlC)); err != nil {
				r.logger.Debug("follow-up interrupt failed", zap.String("process_id", processID), zap.Error(err))
			}
		})
		r.metrics.ObserveInterrupt("sent")
	} else {
		r.logger.Warn("auto-interrupt failed", zap.String("process_id", processID), zap.Error(err))
		r.metrics.ObserveInterrupt("failed")
	}

	r.publish(events.AgentToolInterrupted, map[string]interface{}{
		"process_id":   processID,
		"workspace_id": workspaceID,
		"attempted":    true,
		"succeeded":    succeeded,
	})
}

func (r *LocalRuntime) publish(subject string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "local-runtime", data)
	if err := r.bus.Publish(context.Background(), subject, event); err != nil {
		r.logger.Error("failed to publish agent event", zap.String("subject", subject), zap.Error(err))
	}
}

func (r *LocalRuntime) wrap(err error) error {
	if errors.Is(err, process.ErrProcessNotFound) {
		return fmt.Errorf("%w: %v", ErrProcessNotFound, err)
	}
	return err
}

type localAttachment struct {
	runner    *process.Runner
	processID string
}

func (a *localAttachment) OnData(fn func([]byte)) (func(), error) {
	return a.runner.Subscribe(a.processID, fn)
}

func (a *localAttachment) Write(data []byte) error {
	return a.runner.Write(a.processID, data)
}

func (a *localAttachment) Resize(cols, rows int) error {
	return a.runner.Resize(a.processID, cols, rows)
}

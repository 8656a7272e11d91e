// Package process runs agent CLIs under a pseudo-terminal and turns what they
// print into lifecycle signals (ready, stopped, error, login required, tool
// running).
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/logger"
)

// ErrProcessNotFound is returned for unknown or already removed process ids.
var ErrProcessNotFound = errors.New("process not found")

// SignalKind names a lifecycle signal.
type SignalKind string

const (
	SignalReady         SignalKind = "ready"
	SignalStopped       SignalKind = "stopped"
	SignalError         SignalKind = "error"
	SignalLoginRequired SignalKind = "login_required"
	SignalToolRunning   SignalKind = "tool_running"
)

// Stop reasons carried by SignalStopped.
const (
	ReasonCompleted = "completed"
	ReasonStopped   = "stopped"
	ReasonExited    = "exited"
)

// Signal is delivered to the runner's SignalHandler.
type Signal struct {
	Kind        SignalKind
	ProcessID   string
	WorkspaceID string
	ExitCode    *int
	Reason      string
	Err         error
}

// SignalHandler receives signals. It is called from runner goroutines and
// must not block for long.
type SignalHandler func(Signal)

// StartRequest describes a process to launch.
type StartRequest struct {
	Command     []string
	Dir         string
	Env         map[string]string
	WorkspaceID string
	// Detector selects the screen detector (see NewDetector).
	Detector string
	// IdleTimeout is the quiet period after output that counts as ready.
	IdleTimeout time.Duration
	// SpawnTimeout, when set, fails the process if it prints nothing in time.
	SpawnTimeout   time.Duration
	Cols, Rows     int
	BufferMaxBytes int64
}

// Info is a snapshot of a process.
type Info struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	Command     []string   `json:"command"`
	Dir         string     `json:"dir"`
	PID         int        `json:"pid"`
	StartedAt   time.Time  `json:"startedAt"`
	ExitedAt    *time.Time `json:"exitedAt,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	Alive       bool       `json:"alive"`
	State       AgentState `json:"state"`
}

const (
	defaultIdleTimeout = 5 * time.Second
	defaultCols        = 120
	defaultRows        = 40
	stopGrace          = 2 * time.Second
	// exitedRetention keeps an exited process readable for result capture.
	exitedRetention = 10 * time.Minute
)

type process struct {
	mu   sync.Mutex
	info Info
	cmd  *exec.Cmd
	pty  PtyHandle

	buffer  *ringBuffer
	tracker *StatusTracker

	idleTimeout time.Duration
	idleMu      sync.Mutex
	idleTimer   *time.Timer
	spawnTimer  *time.Timer

	sawOutput atomic.Bool
	stopping  atomic.Bool
	failed    atomic.Bool
	exited    atomic.Bool
	readyOnce sync.Once

	subsMu  sync.RWMutex
	subs    map[int]func([]byte)
	nextSub int

	stopOnce   sync.Once
	stopSignal chan struct{}
	readDone   chan struct{}
	waitDone   chan struct{}
}

// Runner owns the registry of PTY processes.
type Runner struct {
	mu             sync.RWMutex
	processes      map[string]*process
	logger         *logger.Logger
	bufferMaxBytes int64
	onSignal       SignalHandler
}

// NewRunner creates a runner. onSignal may be nil.
func NewRunner(log *logger.Logger, bufferMaxBytes int64, onSignal SignalHandler) *Runner {
	if onSignal == nil {
		onSignal = func(Signal) {}
	}
	return &Runner{
		processes:      make(map[string]*process),
		logger:         log.WithFields(zap.String("component", "pty-runner")),
		bufferMaxBytes: bufferMaxBytes,
		onSignal:       onSignal,
	}
}

// Start launches req.Command under a new PTY.
func (r *Runner) Start(ctx context.Context, req StartRequest) (*Info, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	idle := req.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	bufferMax := req.BufferMaxBytes
	if bufferMax <= 0 {
		bufferMax = r.bufferMaxBytes
	}

	// The process outlives the request; Stop and wait manage its lifetime.
	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = mergeEnv(req.Env)

	ptmx, err := startPTY(cmd, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	proc := &process{
		info: Info{
			ID:          uuid.New().String(),
			WorkspaceID: req.WorkspaceID,
			Command:     req.Command,
			Dir:         req.Dir,
			StartedAt:   time.Now().UTC(),
			Alive:       true,
			State:       StateUnknown,
		},
		cmd:         cmd,
		pty:         ptmx,
		buffer:      newRingBuffer(bufferMax),
		tracker:     NewStatusTracker(NewDetector(req.Detector), cols, rows, 0),
		idleTimeout: idle,
		subs:        make(map[int]func([]byte)),
		stopSignal:  make(chan struct{}),
		readDone:    make(chan struct{}),
		waitDone:    make(chan struct{}),
	}
	if cmd.Process != nil {
		proc.info.PID = cmd.Process.Pid
	}

	r.mu.Lock()
	r.processes[proc.info.ID] = proc
	r.mu.Unlock()

	if req.SpawnTimeout > 0 {
		proc.spawnTimer = time.AfterFunc(req.SpawnTimeout, func() { r.spawnTimedOut(proc, req.SpawnTimeout) })
	}

	go r.readOutput(proc)
	go r.wait(proc)

	r.logger.Info("process started",
		zap.String("process_id", proc.info.ID),
		zap.String("workspace_id", req.WorkspaceID),
		zap.Strings("command", req.Command),
		zap.String("dir", req.Dir),
		zap.Int("pid", proc.info.PID),
		zap.Int("cols", cols),
		zap.Int("rows", rows))

	info := proc.snapshot()
	return &info, nil
}

func (r *Runner) spawnTimedOut(proc *process, timeout time.Duration) {
	if proc.sawOutput.Load() || proc.exited.Load() {
		return
	}
	proc.failed.Store(true)
	r.logger.Warn("process produced no output before spawn timeout",
		zap.String("process_id", proc.info.ID),
		zap.Duration("timeout", timeout))
	r.emit(proc, Signal{Kind: SignalError, Err: fmt.Errorf("no output within %s", timeout)})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*stopGrace)
		defer cancel()
		_ = r.Stop(ctx, proc.info.ID)
	}()
}

func (r *Runner) readOutput(proc *process) {
	defer close(proc.readDone)
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-proc.stopSignal:
			return
		default:
		}
		n, err := proc.pty.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			r.handleOutput(proc, data)
		}
		if err != nil {
			r.logger.Debug("process output read ended",
				zap.String("process_id", proc.info.ID),
				zap.Error(err))
			return
		}
	}
}

func (r *Runner) handleOutput(proc *process, data []byte) {
	proc.sawOutput.Store(true)
	proc.buffer.append(OutputChunk{Data: string(data), Timestamp: time.Now().UTC()})

	// With no viewer attached nobody answers the CLI's terminal queries, and
	// some CLIs block until they get a reply.
	if !proc.hasSubscribers() {
		r.respondToTerminalQueries(proc, data)
	}

	proc.tracker.Write(data)
	if state, changed := proc.tracker.Check(false); changed {
		r.handleStateChange(proc, state)
	}

	proc.fanOut(data)
	r.resetIdleTimer(proc)
}

func (r *Runner) respondToTerminalQueries(proc *process, data []byte) {
	if containsDSRQuery(data) {
		if _, err := proc.pty.Write([]byte("\x1b[1;1R")); err != nil {
			r.logger.Debug("failed to answer cursor position query",
				zap.String("process_id", proc.info.ID), zap.Error(err))
		}
	}
	if containsDA1Query(data) {
		if _, err := proc.pty.Write([]byte("\x1b[?1;2c")); err != nil {
			r.logger.Debug("failed to answer device attributes query",
				zap.String("process_id", proc.info.ID), zap.Error(err))
		}
	}
}

func (r *Runner) handleStateChange(proc *process, state AgentState) {
	proc.mu.Lock()
	proc.info.State = state
	proc.mu.Unlock()

	r.logger.Debug("agent state changed",
		zap.String("process_id", proc.info.ID),
		zap.String("state", string(state)))

	switch state {
	case StateWaitingInput:
		r.emitReady(proc)
	case StateWaitingApproval:
		r.emit(proc, Signal{Kind: SignalToolRunning})
	case StateLoginRequired:
		r.emit(proc, Signal{Kind: SignalLoginRequired})
	}
}

func (r *Runner) resetIdleTimer(proc *process) {
	proc.idleMu.Lock()
	defer proc.idleMu.Unlock()
	if proc.idleTimer != nil {
		proc.idleTimer.Stop()
	}
	proc.idleTimer = time.AfterFunc(proc.idleTimeout, func() { r.handleIdle(proc) })
}

// handleIdle runs after a quiet period. The screen has settled, so detection
// is forced, and a process that printed something and is not blocked on a
// prompt counts as ready.
func (r *Runner) handleIdle(proc *process) {
	if proc.exited.Load() {
		return
	}
	state, changed := proc.tracker.Check(true)
	if changed {
		r.handleStateChange(proc, state)
	}
	if state == StateLoginRequired || state == StateWaitingApproval {
		return
	}
	if proc.sawOutput.Load() {
		r.emitReady(proc)
	}
}

func (r *Runner) emitReady(proc *process) {
	proc.readyOnce.Do(func() {
		if proc.spawnTimer != nil {
			proc.spawnTimer.Stop()
		}
		r.emit(proc, Signal{Kind: SignalReady})
	})
}

func (r *Runner) emit(proc *process, sig Signal) {
	if proc.exited.Load() && sig.Kind != SignalStopped && sig.Kind != SignalError {
		return
	}
	sig.ProcessID = proc.info.ID
	sig.WorkspaceID = proc.info.WorkspaceID
	r.onSignal(sig)
}

func (r *Runner) wait(proc *process) {
	exitCode, signalName, err := waitExit(proc.cmd)
	proc.exited.Store(true)

	// Let the reader drain what the process printed before it exited.
	select {
	case <-proc.readDone:
	case <-time.After(time.Second):
	}

	proc.idleMu.Lock()
	if proc.idleTimer != nil {
		proc.idleTimer.Stop()
	}
	proc.idleMu.Unlock()
	if proc.spawnTimer != nil {
		proc.spawnTimer.Stop()
	}

	now := time.Now().UTC()
	proc.mu.Lock()
	proc.info.Alive = false
	proc.info.ExitCode = &exitCode
	proc.info.ExitedAt = &now
	proc.mu.Unlock()
	_ = proc.pty.Close()
	close(proc.waitDone)

	r.logger.Info("process exited",
		zap.String("process_id", proc.info.ID),
		zap.Int("exit_code", exitCode),
		zap.String("signal", signalName),
		zap.Error(err))

	switch {
	case err != nil:
		proc.failed.Store(true)
		r.emit(proc, Signal{Kind: SignalError, ExitCode: &exitCode, Err: fmt.Errorf("wait for process: %w", err)})
	case proc.failed.Load():
		// Already reported as an error.
	default:
		reason := ReasonExited
		switch {
		case proc.stopping.Load():
			reason = ReasonStopped
		case exitCode == 0:
			reason = ReasonCompleted
		}
		r.emit(proc, Signal{Kind: SignalStopped, ExitCode: &exitCode, Reason: reason})
	}

	time.AfterFunc(exitedRetention, func() { r.Remove(proc.info.ID) })
}

// Stop terminates a process: close the PTY, SIGTERM, then kill after a grace
// period. Stopping an exited process is a no-op.
func (r *Runner) Stop(ctx context.Context, id string) error {
	proc, ok := r.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	if proc.exited.Load() {
		return nil
	}
	proc.stopping.Store(true)
	proc.stopOnce.Do(func() { close(proc.stopSignal) })

	proc.idleMu.Lock()
	if proc.idleTimer != nil {
		proc.idleTimer.Stop()
	}
	proc.idleMu.Unlock()

	_ = proc.pty.Close()
	if proc.cmd.Process == nil {
		return nil
	}
	_ = terminateProcess(proc.cmd.Process)

	select {
	case <-proc.waitDone:
	case <-ctx.Done():
		_ = proc.cmd.Process.Kill()
	case <-time.After(stopGrace):
		r.logger.Warn("process ignored SIGTERM, killing", zap.String("process_id", id))
		_ = proc.cmd.Process.Kill()
	}
	return nil
}

// StopAll stops every live process concurrently.
func (r *Runner) StopAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.processes))
	for id := range r.processes {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.Stop(ctx, id); err != nil {
				r.logger.Debug("stop during shutdown", zap.String("process_id", id), zap.Error(err))
			}
		}(id)
	}
	wg.Wait()
}

// Remove forgets a process. It does not stop it.
func (r *Runner) Remove(id string) {
	r.mu.Lock()
	delete(r.processes, id)
	r.mu.Unlock()
}

// Write sends raw bytes to the process terminal.
func (r *Runner) Write(id string, data []byte) error {
	proc, ok := r.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	if proc.exited.Load() {
		return fmt.Errorf("process %s has exited", id)
	}
	if _, err := proc.pty.Write(data); err != nil {
		return fmt.Errorf("write to pty: %w", err)
	}
	return nil
}

// Resize changes the PTY and the tracked screen size.
func (r *Runner) Resize(id string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	proc, ok := r.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	if err := proc.pty.Resize(uint16(cols), uint16(rows)); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	proc.tracker.Resize(cols, rows)
	return nil
}

// Subscribe registers fn for live output. The returned func unsubscribes.
func (r *Runner) Subscribe(id string, fn func([]byte)) (func(), error) {
	proc, ok := r.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	proc.subsMu.Lock()
	key := proc.nextSub
	proc.nextSub++
	proc.subs[key] = fn
	proc.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			proc.subsMu.Lock()
			delete(proc.subs, key)
			proc.subsMu.Unlock()
		})
	}, nil
}

// Lines returns the last limit non-empty ANSI-stripped output lines.
func (r *Runner) Lines(id string, limit int) ([]string, error) {
	proc, ok := r.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	return proc.buffer.lines(limit), nil
}

// Output returns the buffered raw output.
func (r *Runner) Output(id string) ([]byte, error) {
	proc, ok := r.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	return proc.buffer.bytes(), nil
}

// Get returns a snapshot of the process.
func (r *Runner) Get(id string) (Info, bool) {
	proc, ok := r.get(id)
	if !ok {
		return Info{}, false
	}
	return proc.snapshot(), true
}

// List returns snapshots of every known process, oldest first.
func (r *Runner) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.processes))
	for _, proc := range r.processes {
		out = append(out, proc.snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// AliveCount returns the number of running processes.
func (r *Runner) AliveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, proc := range r.processes {
		if !proc.exited.Load() {
			n++
		}
	}
	return n
}

func (r *Runner) get(id string) (*process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	proc, ok := r.processes[id]
	return proc, ok
}

func (p *process) snapshot() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := p.info
	info.Command = append([]string(nil), p.info.Command...)
	return info
}

func (p *process) hasSubscribers() bool {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	return len(p.subs) > 0
}

func (p *process) fanOut(data []byte) {
	p.subsMu.RLock()
	defer p.subsMu.RUnlock()
	for _, fn := range p.subs {
		fn(data)
	}
}

// mergeEnv overlays extra on the current environment. Keys in extra win.
func mergeEnv(extra map[string]string) []string {
	base := os.Environ()
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, override := extra[key]; override {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

package process

import (
	"strings"
	"sync"
	"time"

	"github.com/tuzig/vt10x"
)

// AgentState is what the terminal screen says the agent CLI is doing.
type AgentState string

const (
	StateUnknown         AgentState = "unknown"
	StateWorking         AgentState = "working"
	StateWaitingApproval AgentState = "waiting_approval"
	StateWaitingInput    AgentState = "waiting_input"
	StateLoginRequired   AgentState = "login_required"
)

// StatusDetector classifies the visible screen.
type StatusDetector interface {
	DetectState(lines []string) AgentState
}

// StatusTracker renders PTY output into a vt10x screen so detectors see what a
// user would see rather than raw escape sequences.
type StatusTracker struct {
	mu            sync.Mutex
	term          vt10x.Terminal
	cols, rows    int
	detector      StatusDetector
	checkInterval time.Duration
	lastCheck     time.Time
	state         AgentState
}

// NewStatusTracker creates a tracker for a cols x rows screen.
func NewStatusTracker(detector StatusDetector, cols, rows int, checkInterval time.Duration) *StatusTracker {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	if checkInterval <= 0 {
		checkInterval = 100 * time.Millisecond
	}
	return &StatusTracker{
		term:          vt10x.New(vt10x.WithSize(cols, rows)),
		cols:          cols,
		rows:          rows,
		detector:      detector,
		checkInterval: checkInterval,
		state:         StateUnknown,
	}
}

// Write feeds PTY output to the emulator.
func (t *StatusTracker) Write(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.term.Write(data)
}

// Resize follows the PTY geometry.
func (t *StatusTracker) Resize(cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.term.Resize(cols, rows)
	t.cols, t.rows = cols, rows
}

// Check re-detects the state when force is set or the check interval has
// elapsed. changed reports a transition.
func (t *StatusTracker) Check(force bool) (state AgentState, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !force && time.Since(t.lastCheck) < t.checkInterval {
		return t.state, false
	}
	t.lastCheck = time.Now()
	detected := t.detector.DetectState(t.screenLines())
	if detected == t.state {
		return t.state, false
	}
	t.state = detected
	return detected, true
}

// State returns the last detected state.
func (t *StatusTracker) State() AgentState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Screen returns the visible lines with trailing spaces removed.
func (t *StatusTracker) Screen() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := t.screenLines()
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " ")
	}
	return lines
}

func (t *StatusTracker) screenLines() []string {
	lines := make([]string, t.rows)
	row := make([]rune, t.cols)
	for y := 0; y < t.rows; y++ {
		for x := 0; x < t.cols; x++ {
			c := t.term.Cell(x, y).Char
			if c == 0 {
				c = ' '
			}
			row[x] = c
		}
		lines[y] = string(row)
	}
	return lines
}

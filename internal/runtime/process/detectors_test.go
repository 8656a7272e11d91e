package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClaudeDetector(t *testing.T) {
	d := NewDetector(DetectorClaude)
	sep := "────────────────────────────────"

	tests := []struct {
		name  string
		lines []string
		want  AgentState
	}{
		{"working", []string{"", "✻ Billowing… (esc to interrupt)", ""}, StateWorking},
		{"input box", []string{"welcome", sep, ">", sep, "  ? for shortcuts"}, StateWaitingInput},
		{"tip", []string{"⎿ Tip: use /help"}, StateWaitingInput},
		{"approval", []string{"Edit file main.go", "Do you want to make this edit?", "❯ 1. Yes", "  2. No"}, StateWaitingApproval},
		{"menu", []string{"❯ 1. Yes", "  2. No", "Enter to confirm"}, StateWaitingApproval},
		{"login", []string{"Invalid API key · Please run /login"}, StateLoginRequired},
		{"blank", []string{"", ""}, StateUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.DetectState(tt.lines))
		})
	}
}

func TestCodexDetector_HoldsWorkingThroughGaps(t *testing.T) {
	d := NewDetector(DetectorCodex).(*codexDetector)

	assert.Equal(t, StateWorking, d.DetectState([]string{"• Working (12s • esc to interrupt)"}))
	assert.Equal(t, StateWorking, d.DetectState([]string{"", "›"}))

	d.lastWorking = time.Now().Add(-2 * codexMinWorkingExit)
	assert.Equal(t, StateWaitingInput, d.DetectState([]string{"", "›"}))
	assert.Equal(t, StateWaitingInput, d.DetectState([]string{"─ Worked for 2m 30s ─────────"}))
}

func TestGenericDetector(t *testing.T) {
	d := NewDetector("aider")
	assert.Equal(t, StateUnknown, d.DetectState([]string{"> "}))
	assert.Equal(t, StateWaitingApproval, d.DetectState([]string{"Run shell command? (Y)es/(N)o [Yes]: y/n?"}))
	assert.Equal(t, StateLoginRequired, d.DetectState([]string{"Error: missing API key"}))
}

func TestStatusTracker_RendersScreen(t *testing.T) {
	tr := NewStatusTracker(NewDetector(DetectorClaude), 40, 5, time.Hour)
	tr.Write([]byte("\x1b[2J\x1b[Hhello\r\n\x1b[1mDo you want to proceed?\x1b[0m"))

	state, changed := tr.Check(true)
	assert.True(t, changed)
	assert.Equal(t, StateWaitingApproval, state)

	_, changed = tr.Check(true)
	assert.False(t, changed)
	assert.Equal(t, "hello", tr.Screen()[0])

	// Throttled checks return the cached state.
	tr.Write([]byte("\x1b[2J\x1b[H"))
	state, changed = tr.Check(false)
	assert.False(t, changed)
	assert.Equal(t, StateWaitingApproval, state)
}

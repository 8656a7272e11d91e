package process

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Detector names accepted by NewDetector.
const (
	DetectorClaude  = "claude"
	DetectorCodex   = "codex"
	DetectorGeneric = "generic"
)

// NewDetector returns the screen detector for an agent CLI. Unknown names get
// the generic detector, which only recognises approval and login prompts and
// relies on idle detection for readiness.
func NewDetector(name string) StatusDetector {
	switch name {
	case DetectorClaude:
		return &claudeDetector{}
	case DetectorCodex:
		return &codexDetector{}
	default:
		return &genericDetector{}
	}
}

var (
	// "✻ Billowing… (esc to interrupt)"
	claudeWorkingPattern = regexp.MustCompile(
		`^\s*[✻✽✶∴·○◆▪▫□■★☆✓✔✢*]\s+.+[…\.]{1,}\s*\((esc|ctrl\+c)\s+to\s+interrupt`,
	)
	// "⎿ Tip: ..." under the input box.
	claudeTipPattern    = regexp.MustCompile(`^[\s\x{00a0}]*⎿[\s\x{00a0}]+(?:Tip|Next|Hint):`)
	separatorPattern    = regexp.MustCompile(`^[─━═┄┅┈┉\-]{10,}$`)
	promptLinePattern   = regexp.MustCompile(`^\s*[>❯›]\s*$`)
	enterToSelect       = regexp.MustCompile(`(?i)enter\s+to\s+(select|confirm)`)
	doYouWantTo         = regexp.MustCompile(`(?i)do\s+you\s+want\s+to\s+`)
	selectionArrow      = regexp.MustCompile(`^\s*[❯›>]\s*\d+\.\s+`)
	yesNoPattern        = regexp.MustCompile(`(?i)\[?\by/n\b\]?|\(y/n\)`)
	approveQuestion     = regexp.MustCompile(`(?i)(approve|allow|confirm|proceed)\s*\?`)
	loginPattern        = regexp.MustCompile(`(?i)(please\s+(run\s+/login|log\s*in|sign\s*in)|invalid\s+api\s+key|not\s+logged\s+in|authentication\s+(required|failed)|missing\s+api\s+key)`)
	codexWorkingPattern = regexp.MustCompile(
		`^[•◦]\s*.+\(?(\d+h\s+)?(\d+m\s+)?\d+s\s*[•·]\s*(esc|ctrl\+c)\s+to\s+interrupt?\)?`,
	)
	codexWorkedPattern = regexp.MustCompile(`^─\s*Worked\s+for\s+.+─+$`)
)

func trimLines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = strings.TrimRight(l, " \t")
	}
	return out
}

// detectCommon looks for login and approval prompts, bottom up.
func detectCommon(lines []string) AgentState {
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if line == "" {
			continue
		}
		if loginPattern.MatchString(line) {
			return StateLoginRequired
		}
		if enterToSelect.MatchString(line) || doYouWantTo.MatchString(line) || approveQuestion.MatchString(line) {
			return StateWaitingApproval
		}
		if yesNoPattern.MatchString(line) && strings.Contains(line, "?") {
			return StateWaitingApproval
		}
		if selectionArrow.MatchString(line) {
			for j := i + 1; j < len(lines) && j < i+5; j++ {
				lower := strings.ToLower(lines[j])
				if strings.Contains(lower, "confirm") || strings.Contains(lower, "enter to") {
					return StateWaitingApproval
				}
			}
		}
	}
	return StateUnknown
}

type claudeDetector struct{}

func (d *claudeDetector) DetectState(lines []string) AgentState {
	lines = trimLines(lines)
	if s := detectCommon(lines); s != StateUnknown {
		return s
	}
	for _, line := range lines {
		if claudeWorkingPattern.MatchString(line) {
			return StateWorking
		}
	}
	var separators []int
	for i, line := range lines {
		if separatorPattern.MatchString(strings.TrimSpace(line)) {
			separators = append(separators, i)
		}
	}
	// Input box: a prompt line between the last two separators.
	if n := len(separators); n >= 2 {
		for i := separators[n-2] + 1; i < separators[n-1]; i++ {
			if promptLinePattern.MatchString(lines[i]) || strings.HasPrefix(strings.TrimSpace(lines[i]), ">") {
				return StateWaitingInput
			}
		}
	}
	for _, line := range lines {
		if claudeTipPattern.MatchString(line) {
			return StateWaitingInput
		}
	}
	return StateUnknown
}

// codexMinWorkingExit keeps the working state through the gaps in codex's
// intermittent progress output.
const codexMinWorkingExit = time.Second

type codexDetector struct {
	mu          sync.Mutex
	lastWorking time.Time
}

func (d *codexDetector) DetectState(lines []string) AgentState {
	lines = trimLines(lines)
	if s := detectCommon(lines); s != StateUnknown {
		return s
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, line := range lines {
		if codexWorkingPattern.MatchString(line) {
			d.lastWorking = time.Now()
			return StateWorking
		}
	}
	if !d.lastWorking.IsZero() && time.Since(d.lastWorking) < codexMinWorkingExit {
		return StateWorking
	}
	for _, line := range lines {
		if codexWorkedPattern.MatchString(line) {
			return StateWaitingInput
		}
	}
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] == "" {
			continue
		}
		if promptLinePattern.MatchString(lines[i]) || strings.HasPrefix(strings.TrimSpace(lines[i]), "›") {
			return StateWaitingInput
		}
		break
	}
	return StateUnknown
}

type genericDetector struct{}

func (d *genericDetector) DetectState(lines []string) AgentState {
	return detectCommon(trimLines(lines))
}

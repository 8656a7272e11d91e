package runtime

import (
	"github.com/kandev/agentexec/internal/common/config"
	"github.com/kandev/agentexec/internal/runtime/process"
)

// Agent kinds.
const (
	AgentClaude = "claude"
	AgentCodex  = "codex"
	AgentGemini = "gemini"
	AgentAider  = "aider"
)

// nestingGuards are cleared in every local agent environment. Agent CLIs
// refuse to start when they see them, thinking they run inside another agent.
var nestingGuards = []string{
	"CLAUDECODE",
	"CLAUDE_CODE_ENTRYPOINT",
	"CODEX_SANDBOX",
	"CODEX_SANDBOX_NETWORK_DISABLED",
	"GEMINI_CLI",
	"AIDER_CHAT",
}

var defaultDetectors = map[string]string{
	AgentClaude: process.DetectorClaude,
	AgentCodex:  process.DetectorCodex,
}

// AgentCommand returns the command line for an agent kind, honouring
// configured overrides.
func AgentCommand(kind string, overrides map[string]config.AgentCommandConfig) []string {
	if o, ok := overrides[kind]; ok && o.Command != "" {
		return append([]string{o.Command}, o.Args...)
	}
	return []string{kind}
}

// AgentDetector returns the screen detector name for an agent kind.
func AgentDetector(kind string) string {
	if d, ok := defaultDetectors[kind]; ok {
		return d
	}
	return process.DetectorGeneric
}

// guardedEnv returns env layered over the cleared nesting guards.
func guardedEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env)+len(nestingGuards))
	for _, k := range nestingGuards {
		out[k] = ""
	}
	for k, v := range env {
		out[k] = v
	}
	return out
}

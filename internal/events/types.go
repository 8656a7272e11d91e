// Package events names the subjects published on the event bus.
package events

// Execution lifecycle.
const (
	ExecutionStatusChanged = "execution.status_changed"
	ExecutionCompleted     = "execution.completed"
	// ExecutionProgress carries notes an agent reports through the tool bridge.
	ExecutionProgress = "execution.progress"
)

// Agent runtime signals. Local runtimes publish these from PTY detection;
// remote runtimes publish them over NATS or POST them to the API.
const (
	AgentReady                 = "agent.ready"
	AgentStopped               = "agent.stopped"
	AgentError                 = "agent.error"
	AgentLoginRequired         = "agent.login_required"
	AgentToolRunning           = "agent.tool_running"
	AgentToolInterrupted       = "agent.tool_interrupted"
	AgentToolAttentionRequired = "agent.tool_attention_required"

	// AgentWildcard matches every agent signal.
	AgentWildcard = "agent.*"
)

// Terminal sessions.
const (
	TerminalStatusChanged = "terminal.status_changed"
)

// AgentSignals lists the subjects a runtime may emit.
var AgentSignals = []string{
	AgentReady,
	AgentStopped,
	AgentError,
	AgentLoginRequired,
	AgentToolRunning,
	AgentToolInterrupted,
	AgentToolAttentionRequired,
}

// IsAgentSignal reports whether subject is one of AgentSignals.
func IsAgentSignal(subject string) bool {
	for _, s := range AgentSignals {
		if s == subject {
			return true
		}
	}
	return false
}

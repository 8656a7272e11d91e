// Package watcher subscribes to agent signals on the event bus and dispatches
// them to the orchestrator.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/events"
	"github.com/kandev/agentexec/internal/events/bus"
)

// AgentEvent is the payload of every agent.* signal.
type AgentEvent struct {
	ProcessID        string                 `json:"process_id"`
	WorkspaceID      string                 `json:"workspace_id,omitempty"`
	RuntimeSessionID string                 `json:"runtime_session_id,omitempty"`
	ExitCode         *int                   `json:"exit_code,omitempty"`
	Reason           string                 `json:"reason,omitempty"`
	Error            string                 `json:"error,omitempty"`
	Summary          string                 `json:"summary,omitempty"`
	Results          map[string]interface{} `json:"results,omitempty"`
}

// EventHandlers contains callbacks for agent signals. Nil handlers are not
// subscribed.
type EventHandlers struct {
	OnAgentReady   func(ctx context.Context, ev AgentEvent) error
	OnAgentStopped func(ctx context.Context, ev AgentEvent) error
	OnAgentError   func(ctx context.Context, ev AgentEvent) error
}

// queueName load-balances signals across orchestrator instances.
const queueName = "orchestrator"

// Watcher subscribes to events and dispatches to handlers.
type Watcher struct {
	eventBus bus.EventBus
	handlers EventHandlers
	logger   *logger.Logger

	mu            sync.Mutex
	subscriptions []bus.Subscription
	running       bool
}

// NewWatcher creates a new event watcher.
func NewWatcher(eventBus bus.EventBus, handlers EventHandlers, log *logger.Logger) *Watcher {
	return &Watcher{
		eventBus: eventBus,
		handlers: handlers,
		logger:   log.WithFields(zap.String("component", "watcher")),
	}
}

// Start subscribes to agent signals. Calling it twice is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	subs := []struct {
		subject string
		handler func(ctx context.Context, ev AgentEvent) error
	}{
		{events.AgentReady, w.handlers.OnAgentReady},
		{events.AgentStopped, w.handlers.OnAgentStopped},
		{events.AgentError, w.handlers.OnAgentError},
	}
	for _, s := range subs {
		if s.handler == nil {
			continue
		}
		sub, err := w.eventBus.QueueSubscribe(s.subject, queueName, w.agentHandler(s.handler))
		if err != nil {
			w.unsubscribeAll()
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	w.running = true
	w.logger.Info("event watcher started", zap.Int("subscriptions", len(w.subscriptions)))
	return nil
}

// Stop removes all subscriptions.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.unsubscribeAll()
	w.running = false
}

func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// must be called with w.mu held
func (w *Watcher) unsubscribeAll() {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe", zap.Error(err))
		}
	}
	w.subscriptions = nil
}

func (w *Watcher) agentHandler(handler func(ctx context.Context, ev AgentEvent) error) bus.EventHandler {
	return func(ctx context.Context, event *bus.Event) error {
		ev, err := ParseAgentEvent(event.Data)
		if err != nil {
			w.logger.Error("failed to parse agent event",
				zap.String("event_type", event.Type),
				zap.String("event_id", event.ID),
				zap.Error(err))
			return nil
		}
		if ev.ProcessID == "" {
			w.logger.Warn("agent event without process id", zap.String("event_type", event.Type))
			return nil
		}
		w.logger.Debug("handling agent event",
			zap.String("event_type", event.Type),
			zap.String("process_id", ev.ProcessID))
		return handler(ctx, ev)
	}
}

// ParseAgentEvent decodes event data through JSON so numbers and nested maps
// from NATS and from the in-memory bus decode the same way.
func ParseAgentEvent(data map[string]interface{}) (AgentEvent, error) {
	var ev AgentEvent
	raw, err := json.Marshal(data)
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, err
	}
	return ev, nil
}

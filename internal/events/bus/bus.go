// Package bus carries agent, execution and terminal events between components,
// in process or over NATS.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message on the event bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh id and the current UTC time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// String returns Data[key] when it is a non-empty string.
func (e *Event) String(key string) string {
	if e == nil || e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// Bool returns Data[key] when it is a bool.
func (e *Event) Bool(key string) bool {
	if e == nil || e.Data == nil {
		return false
	}
	b, _ := e.Data[key].(bool)
	return b
}

// Int returns Data[key] as an int. JSON-decoded numbers arrive as float64.
func (e *Event) Int(key string) (int, bool) {
	if e == nil || e.Data == nil {
		return 0, false
	}
	switch v := e.Data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented by MemoryEventBus and NATSEventBus.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers handler for a subject pattern. Patterns accept the
	// NATS wildcards * (one token) and > (the remaining tokens).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe delivers each event to exactly one member of queue.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	Close()
	IsConnected() bool
}

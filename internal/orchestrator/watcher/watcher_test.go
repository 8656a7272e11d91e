package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/events"
	"github.com/kandev/agentexec/internal/events/bus"
)

type recorder struct {
	mu   sync.Mutex
	got  map[string][]AgentEvent
	done chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: map[string][]AgentEvent{}, done: make(chan struct{}, 16)}
}

func (r *recorder) handler(kind string) func(context.Context, AgentEvent) error {
	return func(_ context.Context, ev AgentEvent) error {
		r.mu.Lock()
		r.got[kind] = append(r.got[kind], ev)
		r.mu.Unlock()
		r.done <- struct{}{}
		return nil
	}
}

func (r *recorder) events(kind string) []AgentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AgentEvent(nil), r.got[kind]...)
}

func TestWatcher_Dispatch(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.Nop())
	defer eventBus.Close()
	rec := newRecorder()
	w := NewWatcher(eventBus, EventHandlers{
		OnAgentReady:   rec.handler("ready"),
		OnAgentStopped: rec.handler("stopped"),
		OnAgentError:   rec.handler("error"),
	}, logger.Nop())
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())

	ctx := context.Background()
	publish := func(subject string, data map[string]interface{}) {
		require.NoError(t, eventBus.Publish(ctx, subject, bus.NewEvent(subject, "test", data)))
	}
	publish(events.AgentReady, map[string]interface{}{"process_id": "p1", "runtime_session_id": "rs1"})
	publish(events.AgentStopped, map[string]interface{}{"process_id": "p1", "exit_code": 3, "reason": "exited"})
	publish(events.AgentError, map[string]interface{}{"process_id": "p1", "error": "boom"})
	// No process id: dropped before the handler.
	publish(events.AgentReady, map[string]interface{}{"workspace_id": "ws"})

	for i := 0; i < 3; i++ {
		select {
		case <-rec.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handlers")
		}
	}
	eventBus.Wait()

	ready := rec.events("ready")
	require.Len(t, ready, 1)
	assert.Equal(t, "rs1", ready[0].RuntimeSessionID)

	stopped := rec.events("stopped")
	require.Len(t, stopped, 1)
	require.NotNil(t, stopped[0].ExitCode)
	assert.Equal(t, 3, *stopped[0].ExitCode)
	assert.Equal(t, "exited", stopped[0].Reason)

	errs := rec.events("error")
	require.Len(t, errs, 1)
	assert.Equal(t, "boom", errs[0].Error)

	w.Stop()
	assert.False(t, w.IsRunning())
	publish(events.AgentReady, map[string]interface{}{"process_id": "p2"})
	eventBus.Wait()
	assert.Len(t, rec.events("ready"), 1)
}

type failingBus struct {
	bus.EventBus
	calls int
}

type nopSub struct{ unsubscribed *int }

func (s nopSub) Unsubscribe() error { *s.unsubscribed++; return nil }
func (s nopSub) IsValid() bool      { return true }

func (b *failingBus) QueueSubscribe(subject, _ string, _ bus.EventHandler) (bus.Subscription, error) {
	b.calls++
	if subject == events.AgentError {
		return nil, errors.New("nope")
	}
	return nopSub{unsubscribed: new(int)}, nil
}

func TestWatcher_StartFailureUnsubscribes(t *testing.T) {
	fb := &failingBus{}
	noop := func(context.Context, AgentEvent) error { return nil }
	w := NewWatcher(fb, EventHandlers{OnAgentReady: noop, OnAgentStopped: noop, OnAgentError: noop}, logger.Nop())
	err := w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), events.AgentError)
	assert.False(t, w.IsRunning())
	assert.Equal(t, 3, fb.calls)
}

func TestParseAgentEvent(t *testing.T) {
	ev, err := ParseAgentEvent(map[string]interface{}{
		"process_id": "p1",
		"exit_code":  float64(0),
		"summary":    "done",
		"results":    map[string]interface{}{"tests": "passed"},
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", ev.ProcessID)
	require.NotNil(t, ev.ExitCode)
	assert.Equal(t, 0, *ev.ExitCode)
	assert.Equal(t, "done", ev.Summary)
	assert.Equal(t, "passed", ev.Results["tests"])

	_, err = ParseAgentEvent(map[string]interface{}{"exit_code": "zero"})
	assert.Error(t, err)
}

package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentexec/internal/common/logger"
)

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Nop())
	defer b.Close()
	require.True(t, b.IsConnected())

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("agent.ready", func(_ context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	ev := NewEvent("agent.ready", "test", map[string]interface{}{"process_id": "p1"})
	require.NoError(t, b.Publish(context.Background(), "agent.ready", ev))
	b.Wait()

	got := <-received
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "p1", got.String("process_id"))
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	b := NewMemoryEventBus(logger.Nop())
	defer b.Close()

	var single, multi atomic.Int32
	_, err := b.Subscribe("agent.*", func(context.Context, *Event) error {
		single.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("execution.>", func(context.Context, *Event) error {
		multi.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, subject := range []string{"agent.ready", "agent.ready.extra", "execution.status.changed", "execution", "terminal.status_changed"} {
		require.NoError(t, b.Publish(ctx, subject, NewEvent(subject, "test", nil)))
	}
	b.Wait()

	assert.Equal(t, int32(1), single.Load())
	assert.Equal(t, int32(1), multi.Load())
}

func TestMemoryEventBus_QueueSubscribeRoundRobin(t *testing.T) {
	b := NewMemoryEventBus(logger.Nop())
	defer b.Close()

	var mu sync.Mutex
	counts := map[string]int{}
	member := func(name string) EventHandler {
		return func(context.Context, *Event) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			return nil
		}
	}
	_, err := b.QueueSubscribe("agent.stopped", "orchestrators", member("a"))
	require.NoError(t, err)
	_, err = b.QueueSubscribe("agent.stopped", "orchestrators", member("b"))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(context.Background(), "agent.stopped", NewEvent("agent.stopped", "test", nil)))
	}
	b.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"a": 2, "b": 2}, counts)
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Nop())
	defer b.Close()

	var n atomic.Int32
	sub, err := b.Subscribe("agent.error", func(context.Context, *Event) error {
		n.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "agent.error", NewEvent("agent.error", "test", nil)))
	b.Wait()
	assert.Zero(t, n.Load())
}

func TestMemoryEventBus_Closed(t *testing.T) {
	b := NewMemoryEventBus(logger.Nop())
	b.Close()

	assert.False(t, b.IsConnected())
	assert.ErrorIs(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)), ErrClosed)
	_, err := b.Subscribe("x", func(context.Context, *Event) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEvent_Accessors(t *testing.T) {
	ev := NewEvent("agent.stopped", "test", map[string]interface{}{
		"reason":    "exited",
		"succeeded": true,
		"exit_code": float64(2),
	})
	assert.Equal(t, "exited", ev.String("reason"))
	assert.Equal(t, "", ev.String("missing"))
	assert.True(t, ev.Bool("succeeded"))
	code, ok := ev.Int("exit_code")
	assert.True(t, ok)
	assert.Equal(t, 2, code)
	_, ok = ev.Int("reason")
	assert.False(t, ok)

	var nilEvent *Event
	assert.Equal(t, "", nilEvent.String("reason"))
}

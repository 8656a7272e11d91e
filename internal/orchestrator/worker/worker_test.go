package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/orchestrator/queue"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func TestPool_ProcessesEachJobOnce(t *testing.T) {
	q := queue.NewMemoryQueue(0)
	var mu sync.Mutex
	seen := map[string]int{}
	done := make(chan struct{}, 10)

	pool := NewPool(q, func(ctx context.Context, id string) error {
		mu.Lock()
		seen[id]++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}, testLogger(t), nil, Config{Workers: 3})

	require.NoError(t, pool.Start(context.Background()))
	defer func() { _ = pool.Stop() }()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queue.NewJob("a")))
	require.NoError(t, q.Enqueue(ctx, queue.NewJob("b")))
	assert.ErrorIs(t, q.Enqueue(ctx, queue.NewJob("a")), queue.ErrJobExists)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs not processed")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, seen)
}

func TestPool_DuplicateWhileInFlightDoesNotRunConcurrently(t *testing.T) {
	q := queue.NewMemoryQueue(0)
	var running, maxRunning int32
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	pool := NewPool(q, func(ctx context.Context, id string) error {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		started <- struct{}{}
		<-release
		atomic.AddInt32(&running, -1)
		return nil
	}, testLogger(t), nil, Config{Workers: 4})
	require.NoError(t, pool.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queue.NewJob("e1")))
	<-started
	assert.ErrorIs(t, q.Enqueue(ctx, queue.NewJob("e1")), queue.ErrJobExists)
	close(release)
	require.NoError(t, pool.Stop())
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestPool_FailuresAreCountedNotRetried(t *testing.T) {
	q := queue.NewMemoryQueue(0)
	var calls int32
	done := make(chan struct{}, 1)
	pool := NewPool(q, func(ctx context.Context, id string) error {
		atomic.AddInt32(&calls, 1)
		done <- struct{}{}
		return errors.New("spawn failed")
	}, testLogger(t), nil, Config{Workers: 1})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, q.Enqueue(context.Background(), queue.NewJob("x")))
	<-done
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, pool.Stop())

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(1), pool.Stats(context.Background()).Failed)
}

func TestPool_StartStopState(t *testing.T) {
	pool := NewPool(queue.NewMemoryQueue(0), func(context.Context, string) error { return nil }, testLogger(t), nil, Config{})
	assert.ErrorIs(t, pool.Stop(), ErrNotRunning)
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, pool.IsRunning())
	require.NoError(t, pool.Stop())
	assert.False(t, pool.IsRunning())
}

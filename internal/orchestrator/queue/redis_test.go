package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueueWithClient(client, "test:jobs")
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestRedisQueue_EnqueueDuplicate(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedisQueue(t)

	require.NoError(t, q.Enqueue(ctx, NewJob("e1")))
	assert.ErrorIs(t, q.Enqueue(ctx, NewJob("e1")), ErrJobExists)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, mr.Exists("test:jobs:claim:e1"))
}

func TestRedisQueue_KeyClaimedUntilDone(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedisQueue(t)
	require.NoError(t, q.Enqueue(ctx, Job{Key: "e1", ExecutionID: "e1", Priority: 2}))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e1", job.ExecutionID)
	assert.Equal(t, 2, job.Priority)
	assert.False(t, job.EnqueuedAt.IsZero())

	// In flight: a duplicate must not become runnable.
	assert.ErrorIs(t, q.Enqueue(ctx, NewJob("e1")), ErrJobExists)
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, q.Done(ctx, "e1"))
	assert.False(t, mr.Exists("test:jobs:claim:e1"))
	assert.NoError(t, q.Enqueue(ctx, NewJob("e1")))
}

func TestRedisQueue_ClaimExpires(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestRedisQueue(t)
	require.NoError(t, q.Enqueue(ctx, NewJob("e1")))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	assert.Equal(t, claimTTL, mr.TTL("test:jobs:claim:e1"))
	mr.FastForward(claimTTL + time.Second)
	assert.NoError(t, q.Enqueue(ctx, NewJob("e1")))
}

func TestRedisQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestRedisQueue(t)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, NewJob(k)))
	}

	var order []string
	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		order = append(order, job.Key)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRedisQueue_DequeueBlocks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	q, _ := newTestRedisQueue(t)

	got := make(chan *Job, 1)
	go func() {
		job, err := q.Dequeue(ctx)
		if err == nil {
			got <- job
		}
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned before anything was enqueued")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, q.Enqueue(context.Background(), NewJob("late")))
	select {
	case job := <-got:
		assert.Equal(t, "late", job.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestRedisQueue_DequeueCancelled(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("dequeue ignored cancellation")
	}
}

func TestRedisQueue_ClosedClient(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	require.NoError(t, q.Close())
	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

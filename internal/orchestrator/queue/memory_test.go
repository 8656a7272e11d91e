package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_EnqueueDuplicate(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)

	require.NoError(t, q.Enqueue(ctx, NewJob("e1")))
	assert.ErrorIs(t, q.Enqueue(ctx, NewJob("e1")), ErrJobExists)

	n, _ := q.Len(ctx)
	assert.Equal(t, 1, n)
}

func TestMemoryQueue_KeyClaimedUntilDone(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)
	require.NoError(t, q.Enqueue(ctx, NewJob("e1")))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e1", job.ExecutionID)

	// In flight: a duplicate must not become runnable.
	assert.ErrorIs(t, q.Enqueue(ctx, NewJob("e1")), ErrJobExists)

	require.NoError(t, q.Done(ctx, "e1"))
	assert.NoError(t, q.Enqueue(ctx, NewJob("e1")))
}

func TestMemoryQueue_Ordering(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)
	base := time.Now()
	require.NoError(t, q.Enqueue(ctx, Job{Key: "low", EnqueuedAt: base}))
	require.NoError(t, q.Enqueue(ctx, Job{Key: "high", Priority: 5, EnqueuedAt: base.Add(time.Second)}))
	require.NoError(t, q.Enqueue(ctx, Job{Key: "low2", EnqueuedAt: base.Add(2 * time.Second)}))

	var order []string
	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		order = append(order, job.Key)
	}
	assert.Equal(t, []string{"high", "low", "low2"}, order)
}

func TestMemoryQueue_Full(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(1)
	require.NoError(t, q.Enqueue(ctx, NewJob("a")))
	assert.ErrorIs(t, q.Enqueue(ctx, NewJob("b")), ErrQueueFull)
}

func TestMemoryQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemoryQueue(0)
	got := make(chan string, 1)
	go func() {
		job, err := q.Dequeue(context.Background())
		if err == nil {
			got <- job.Key
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), NewJob("late")))

	select {
	case key := <-got:
		assert.Equal(t, "late", key)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestMemoryQueue_DequeueHonoursContextAndClose(t *testing.T) {
	q := NewMemoryQueue(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Close())
	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryQueue_Remove(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)
	require.NoError(t, q.Enqueue(ctx, NewJob("a")))
	assert.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.NoError(t, q.Enqueue(ctx, NewJob("a")))
}

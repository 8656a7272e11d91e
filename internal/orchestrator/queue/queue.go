// Package queue is the durable, idempotent job queue that feeds execution
// processing. Jobs are keyed; a key stays claimed from Enqueue until Done, so
// the same execution is never processed twice concurrently.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobExists is returned when the key is already queued or in flight.
	ErrJobExists = errors.New("job already queued")
	// ErrQueueFull is returned when the queue is at max capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrClosed is returned by Dequeue after Close.
	ErrClosed = errors.New("queue is closed")
)

// Job is one unit of work. Key is normally the execution id.
type Job struct {
	Key         string    `json:"key"`
	ExecutionID string    `json:"executionId"`
	Priority    int       `json:"priority"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// Queue is implemented by MemoryQueue and RedisQueue.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (*Job, error)
	// Done releases the key of a dequeued job.
	Done(ctx context.Context, key string) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// NewJob builds a job for an execution.
func NewJob(executionID string) Job {
	return Job{Key: executionID, ExecutionID: executionID, EnqueuedAt: time.Now().UTC()}
}

// New returns a RedisQueue when url is set and a MemoryQueue otherwise.
func New(url, prefix string) (Queue, error) {
	if url == "" {
		return NewMemoryQueue(0), nil
	}
	return NewRedisQueue(url, prefix)
}

package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type queuedJob struct {
	job   Job
	index int
}

// jobHeap orders by priority, then enqueue time.
type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].job.EnqueuedAt.Before(h[j].job.EnqueuedAt)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	item := x.(*queuedJob)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// MemoryQueue is a process-local Queue. It is used when no Redis URL is
// configured; restart recovery re-enqueues whatever it held.
type MemoryQueue struct {
	mu       sync.Mutex
	heap     jobHeap
	queued   map[string]*queuedJob
	inFlight map[string]struct{}
	maxSize  int
	notify   chan struct{}
	closed   chan struct{}
	once     sync.Once
}

// NewMemoryQueue creates a queue. maxSize <= 0 means unbounded.
func NewMemoryQueue(maxSize int) *MemoryQueue {
	q := &MemoryQueue{
		queued:   make(map[string]*queuedJob),
		inFlight: make(map[string]struct{}),
		maxSize:  maxSize,
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	heap.Init(&q.heap)
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[job.Key]; ok {
		return ErrJobExists
	}
	if _, ok := q.inFlight[job.Key]; ok {
		return ErrJobExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	item := &queuedJob{job: job}
	heap.Push(&q.heap, item)
	q.queued[job.Key] = item

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if job := q.tryPop(); job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, ErrClosed
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) tryPop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	item := heap.Pop(&q.heap).(*queuedJob)
	delete(q.queued, item.job.Key)
	q.inFlight[item.job.Key] = struct{}{}

	// Wake another waiter if work remains.
	if len(q.heap) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	job := item.job
	return &job
}

// Done releases an in-flight key. Keys that are still queued are left alone.
func (q *MemoryQueue) Done(_ context.Context, key string) error {
	q.mu.Lock()
	delete(q.inFlight, key)
	q.mu.Unlock()
	return nil
}

// Remove drops a queued job that has not been dequeued yet.
func (q *MemoryQueue) Remove(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.queued[key]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.queued, key)
	return true
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap), nil
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

// Package cleanup runs one-shot delayed workspace cleanups keyed by resource
// id. Scheduling the same key again replaces the pending job; jobs are never
// retried.
package cleanup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/logger"
)

// Func performs the cleanup for key. It must not panic; errors are logged.
type Func func(ctx context.Context, key string) error

type pendingJob struct {
	timer *time.Timer
	due   time.Time
	gen   uint64
}

// Scheduler owns the pending cleanup timers.
type Scheduler struct {
	run    Func
	logger *logger.Logger
	ctx    context.Context

	mu      sync.Mutex
	pending map[string]*pendingJob
	gen     uint64
	wg      sync.WaitGroup
	stopped bool
}

// NewScheduler creates a scheduler. ctx bounds every cleanup run.
func NewScheduler(ctx context.Context, run Func, log *logger.Logger) *Scheduler {
	return &Scheduler{
		run:     run,
		logger:  log.WithFields(zap.String("component", "cleanup-scheduler")),
		ctx:     ctx,
		pending: make(map[string]*pendingJob),
	}
}

// Schedule runs cleanup for key after delay, replacing any pending job.
func (s *Scheduler) Schedule(key string, delay time.Duration) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if prev, ok := s.pending[key]; ok {
		prev.timer.Stop()
	}
	s.gen++
	gen := s.gen
	job := &pendingJob{due: time.Now().Add(delay), gen: gen}
	job.timer = time.AfterFunc(delay, func() { s.fire(key, gen) })
	s.pending[key] = job

	s.logger.Debug("cleanup scheduled", zap.String("key", key), zap.Duration("delay", delay))
}

// Cancel drops the pending job for key. It reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.pending[key]
	if !ok {
		return false
	}
	job.timer.Stop()
	delete(s.pending, key)
	return true
}

// Pending returns the due time of the job for key.
func (s *Scheduler) Pending(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.pending[key]
	if !ok {
		return time.Time{}, false
	}
	return job.due, true
}

func (s *Scheduler) fire(key string, gen uint64) {
	s.mu.Lock()
	job, ok := s.pending[key]
	// A newer Schedule call superseded this timer.
	if !ok || job.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	if err := s.run(s.ctx, key); err != nil {
		s.logger.Warn("cleanup failed", zap.String("key", key), zap.Error(err))
	}
}

// Stop cancels every pending job and waits for running ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, job := range s.pending {
		job.timer.Stop()
		delete(s.pending, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

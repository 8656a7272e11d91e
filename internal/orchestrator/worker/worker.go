// Package worker drains the job queue with a fixed pool of goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/metrics"
	"github.com/kandev/agentexec/internal/orchestrator/queue"
)

var (
	ErrAlreadyRunning = errors.New("worker pool is already running")
	ErrNotRunning     = errors.New("worker pool is not running")
)

// Handler processes one execution. Returned errors are counted and logged;
// jobs are never redelivered.
type Handler func(ctx context.Context, executionID string) error

// Config holds pool settings.
type Config struct {
	Workers int
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Workers   int
	Queued    int
	Active    int64
	Processed int64
	Failed    int64
}

// Pool runs Config.Workers goroutines that dequeue and handle jobs.
type Pool struct {
	queue   queue.Queue
	handler Handler
	logger  *logger.Logger
	metrics *metrics.Metrics
	config  Config

	active    int64
	processed int64
	failed    int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewPool creates a stopped pool.
func NewPool(q queue.Queue, handler Handler, log *logger.Logger, m *metrics.Metrics, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Pool{
		queue:   q,
		handler: handler,
		logger:  log.WithFields(zap.String("component", "worker-pool")),
		metrics: m,
		config:  cfg,
	}
}

// Start launches the workers. They run until Stop or ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < p.config.Workers; i++ {
		id := i
		g.Go(func() error {
			p.loop(gctx, id)
			return nil
		})
	}
	p.running = true
	p.cancel = cancel
	p.group = g
	p.logger.Info("worker pool started", zap.Int("workers", p.config.Workers))
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to return.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.running = false
	cancel, g := p.cancel, p.group
	p.mu.Unlock()

	cancel()
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

// IsRunning reports whether the pool has been started.
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stats returns the pool counters.
func (p *Pool) Stats(ctx context.Context) Stats {
	queued, _ := p.queue.Len(ctx)
	return Stats{
		Workers:   p.config.Workers,
		Queued:    queued,
		Active:    atomic.LoadInt64(&p.active),
		Processed: atomic.LoadInt64(&p.processed),
		Failed:    atomic.LoadInt64(&p.failed),
	}
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.logger.WithFields(zap.Int("worker", id))
	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.run(ctx, log, job)
	}
}

func (p *Pool) run(ctx context.Context, log *logger.Logger, job *queue.Job) {
	atomic.AddInt64(&p.active, 1)
	start := time.Now()
	defer func() {
		atomic.AddInt64(&p.active, -1)
		// Release with a fresh context so shutdown does not leak claims.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.queue.Done(releaseCtx, job.Key); err != nil {
			log.Warn("release job key failed", zap.String("key", job.Key), zap.Error(err))
		}
	}()

	log.Debug("processing job", zap.String("execution_id", job.ExecutionID))
	if err := p.handler(ctx, job.ExecutionID); err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.metrics.ObserveJob("failed", time.Since(start))
		log.Error("job failed", zap.String("execution_id", job.ExecutionID), zap.Error(err))
		return
	}
	atomic.AddInt64(&p.processed, 1)
	p.metrics.ObserveJob("ok", time.Since(start))
}

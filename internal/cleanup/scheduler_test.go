package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentexec/internal/common/logger"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	ch    chan string
}

func newRecorder() *recorder { return &recorder{ch: make(chan string, 10)} }

func (r *recorder) run(_ context.Context, key string) error {
	r.mu.Lock()
	r.calls = append(r.calls, key)
	r.mu.Unlock()
	r.ch <- key
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestScheduler_RunsAfterDelay(t *testing.T) {
	rec := newRecorder()
	s := NewScheduler(context.Background(), rec.run, logger.Nop())
	defer s.Stop()

	s.Schedule("res-1", 10*time.Millisecond)
	_, ok := s.Pending("res-1")
	assert.True(t, ok)

	select {
	case key := <-rec.ch:
		assert.Equal(t, "res-1", key)
	case <-time.After(time.Second):
		t.Fatal("cleanup did not run")
	}
	_, ok = s.Pending("res-1")
	assert.False(t, ok)
}

func TestScheduler_RescheduleReplaces(t *testing.T) {
	rec := newRecorder()
	s := NewScheduler(context.Background(), rec.run, logger.Nop())
	defer s.Stop()

	s.Schedule("res-1", 10*time.Millisecond)
	s.Schedule("res-1", 60*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, rec.count())

	select {
	case <-rec.ch:
	case <-time.After(time.Second):
		t.Fatal("rescheduled cleanup did not run")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestScheduler_Cancel(t *testing.T) {
	rec := newRecorder()
	s := NewScheduler(context.Background(), rec.run, logger.Nop())
	defer s.Stop()

	s.Schedule("res-1", 20*time.Millisecond)
	assert.True(t, s.Cancel("res-1"))
	assert.False(t, s.Cancel("res-1"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestScheduler_FailureNotRetried(t *testing.T) {
	calls := make(chan struct{}, 5)
	s := NewScheduler(context.Background(), func(context.Context, string) error {
		calls <- struct{}{}
		return errors.New("rm failed")
	}, logger.Nop())
	defer s.Stop()

	s.Schedule("res-1", time.Millisecond)
	<-calls
	time.Sleep(30 * time.Millisecond)
	require.Len(t, calls, 0)
}

func TestScheduler_StopDropsPending(t *testing.T) {
	rec := newRecorder()
	s := NewScheduler(context.Background(), rec.run, logger.Nop())
	s.Schedule("res-1", 20*time.Millisecond)
	s.Stop()
	s.Schedule("res-2", time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

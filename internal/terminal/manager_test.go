package terminal

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentexec/internal/common/config"
	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/db"
	"github.com/kandev/agentexec/internal/events"
	"github.com/kandev/agentexec/internal/events/bus"
	"github.com/kandev/agentexec/internal/runtime"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "term.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	store, err := NewSQLStore(pool)
	require.NoError(t, err)
	return store
}

type fakeAttachment struct {
	mu       sync.Mutex
	handlers map[int]func([]byte)
	next     int
}

func (a *fakeAttachment) OnData(fn func([]byte)) (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handlers == nil {
		a.handlers = map[int]func([]byte){}
	}
	id := a.next
	a.next++
	a.handlers[id] = fn
	return func() {
		a.mu.Lock()
		delete(a.handlers, id)
		a.mu.Unlock()
	}, nil
}

func (a *fakeAttachment) emit(data string) {
	a.mu.Lock()
	fns := make([]func([]byte), 0, len(a.handlers))
	for _, fn := range a.handlers {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn([]byte(data))
	}
}

func (a *fakeAttachment) subscribers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handlers)
}

func (a *fakeAttachment) Write([]byte) error    { return nil }
func (a *fakeAttachment) Resize(int, int) error { return nil }

type fakeAttacher struct {
	att *fakeAttachment
}

func (f *fakeAttacher) AttachTerminal(string) runtime.Attachment {
	if f.att == nil {
		return nil
	}
	return f.att
}

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
	data []string
	err  error
}

func (f *fakeArchiver) Archive(_ context.Context, key string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	f.data = append(f.data, string(data))
	return "s3://bucket/" + key, nil
}

func TestManager_CreateSupersedes(t *testing.T) {
	m := NewManager(newTestStore(t), nil, nil, nil, logger.Nop())
	ctx := context.Background()

	first, err := m.Create(ctx, CreateRequest{ProcessID: "p1", WorkspaceID: "ws", Cols: 80, Rows: 24})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, first.Status)

	second, err := m.Create(ctx, CreateRequest{ProcessID: "p1", WorkspaceID: "ws"})
	require.NoError(t, err)

	old, err := m.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, old.Status)
	assert.Equal(t, "superseded", old.TerminationReason)

	active, err := m.GetActiveByProcess(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	_, err = m.Create(ctx, CreateRequest{})
	assert.Error(t, err)
}

func TestManager_StatusAndAttach(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.Nop())
	defer eventBus.Close()
	var (
		mu       sync.Mutex
		statuses []string
	)
	_, err := eventBus.Subscribe(events.TerminalStatusChanged, func(_ context.Context, ev *bus.Event) error {
		mu.Lock()
		statuses = append(statuses, ev.String("status"))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	m := NewManager(newTestStore(t), eventBus, nil, nil, logger.Nop())
	ctx := context.Background()
	sess, err := m.Create(ctx, CreateRequest{ProcessID: "p1"})
	require.NoError(t, err)

	_, err = m.SetStatus(ctx, sess.ID, StatusConnecting)
	require.NoError(t, err)
	_, err = m.SetStatus(ctx, sess.ID, StatusActive)
	require.NoError(t, err)
	_, err = m.SetStatus(ctx, sess.ID, StatusActive) // unchanged, no event
	require.NoError(t, err)

	got, err := m.MarkAttached(ctx, sess.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, got.AttachedUserID)
	assert.Equal(t, "alice", *got.AttachedUserID)

	// Another user cannot clear alice's marker.
	require.NoError(t, m.ClearAttached(ctx, sess.ID, "bob"))
	got, err = m.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AttachedUserID)

	require.NoError(t, m.ClearAttached(ctx, sess.ID, "alice"))
	got, err = m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AttachedUserID)

	require.NoError(t, m.Resize(ctx, sess.ID, 100, 30))
	got, err = m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Cols)
	assert.Equal(t, 30, got.Rows)

	_, err = m.Terminate(ctx, sess.ID, "done")
	require.NoError(t, err)
	_, err = m.SetStatus(ctx, sess.ID, StatusActive)
	assert.ErrorIs(t, err, ErrTerminated)
	require.NoError(t, m.ClearAttached(ctx, sess.ID, "alice"))

	eventBus.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"pending", "connecting", "active", "terminated"}, statuses)
}

func TestManager_LogsAndReplay(t *testing.T) {
	m := NewManager(newTestStore(t), nil, nil, nil, logger.Nop())
	ctx := context.Background()
	sess, err := m.Create(ctx, CreateRequest{ProcessID: "p1"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.AppendLog(ctx, sess.ID, LogStdout, string(rune('a'+i))))
	}
	require.NoError(t, m.AppendLog(ctx, sess.ID, LogStdin, "ls\r"))
	require.NoError(t, m.AppendLog(ctx, sess.ID, LogStderr, "oops"))
	require.NoError(t, m.AppendLog(ctx, sess.ID, LogStdout, ""))

	out, err := m.RecentOutput(ctx, sess.ID, 3)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "d", out[0].Content)
	assert.Equal(t, "e", out[1].Content)
	assert.Equal(t, "oops", out[2].Content)

	all, err := m.RecentOutput(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 6)

	big := strings.Repeat("é", MaxLogEntryBytes)
	require.NoError(t, m.AppendLog(ctx, sess.ID, LogStdout, big))
	out, err = m.RecentOutput(ctx, sess.ID, 1)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out[0].Content), MaxLogEntryBytes)
	assert.True(t, strings.HasPrefix(big, out[0].Content))
}

func TestManager_AppendOutputNotifiesInSequence(t *testing.T) {
	att := &fakeAttachment{}
	m := NewManager(newTestStore(t), nil, &fakeAttacher{att: att}, nil, logger.Nop())
	ctx := context.Background()
	sess, err := m.Create(ctx, CreateRequest{ProcessID: "p1"})
	require.NoError(t, err)

	type note struct {
		session string
		seq     int64
		data    string
	}
	var mu sync.Mutex
	var notes []note
	remove := m.OnOutput(func(sessionID string, seq int64, data []byte) {
		mu.Lock()
		notes = append(notes, note{sessionID, seq, string(data)})
		mu.Unlock()
	})

	att.emit("one")
	seq, err := m.AppendOutput(ctx, sess.ID, []byte("two"))
	require.NoError(t, err)
	_, err = m.AppendOutput(ctx, sess.ID, nil)
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, notes, 2)
	assert.Equal(t, "one", notes[0].data)
	assert.Equal(t, note{sess.ID, seq, "two"}, notes[1])
	assert.Less(t, notes[0].seq, notes[1].seq)
	mu.Unlock()

	out, err := m.RecentOutput(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, seq, out[1].Seq)

	remove()
	_, err = m.AppendOutput(ctx, sess.ID, []byte("three"))
	require.NoError(t, err)
	mu.Lock()
	assert.Len(t, notes, 2)
	mu.Unlock()
}

func TestManager_RecorderAndArchive(t *testing.T) {
	att := &fakeAttachment{}
	archiver := &fakeArchiver{}
	m := NewManager(newTestStore(t), nil, &fakeAttacher{att: att}, archiver, logger.Nop())
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateRequest{ProcessID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sess.Status)
	assert.True(t, m.Recording(sess.ID))

	att.emit("hello ")
	att.emit("world")
	require.NoError(t, m.AppendLog(ctx, sess.ID, LogStdin, "y"))

	out, err := m.RecentOutput(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, out, 2)

	done, err := m.Terminate(ctx, sess.ID, "agent stopped")
	require.NoError(t, err)
	assert.False(t, m.Recording(sess.ID))
	assert.Equal(t, 0, att.subscribers())
	assert.Equal(t, "s3://bucket/transcripts/"+sess.ID+".log", done.TranscriptURL)
	require.Len(t, archiver.data, 1)
	assert.True(t, strings.HasPrefix(archiver.data[0], "hello world"))
	assert.Contains(t, archiver.data[0], `stdin] "y"`)

	// Idempotent.
	again, err := m.Terminate(ctx, sess.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, "agent stopped", again.TerminationReason)
	assert.Len(t, archiver.data, 1)
}

func TestManager_ArchiveFailureStillTerminates(t *testing.T) {
	m := NewManager(newTestStore(t), nil, nil, &fakeArchiver{err: errors.New("s3 down")}, logger.Nop())
	ctx := context.Background()
	sess, err := m.Create(ctx, CreateRequest{ProcessID: "p1"})
	require.NoError(t, err)
	require.NoError(t, m.AppendLog(ctx, sess.ID, LogStdout, "x"))

	done, err := m.Terminate(ctx, sess.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, done.Status)
	assert.Empty(t, done.TranscriptURL)
}

func TestManager_LoginRequiredListener(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.Nop())
	defer eventBus.Close()
	m := NewManager(newTestStore(t), eventBus, nil, nil, logger.Nop())
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()
	ctx := context.Background()

	sess, err := m.Create(ctx, CreateRequest{ProcessID: "p1"})
	require.NoError(t, err)

	require.NoError(t, eventBus.Publish(ctx, events.AgentLoginRequired,
		bus.NewEvent(events.AgentLoginRequired, "test", map[string]interface{}{"process_id": "p1"})))
	require.NoError(t, eventBus.Publish(ctx, events.AgentLoginRequired,
		bus.NewEvent(events.AgentLoginRequired, "test", map[string]interface{}{"process_id": "unknown"})))
	eventBus.Wait()

	require.Eventually(t, func() bool {
		got, err := m.Get(ctx, sess.ID)
		return err == nil && got.Status == StatusLoginRequired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_TerminateByProcess(t *testing.T) {
	m := NewManager(newTestStore(t), nil, nil, nil, logger.Nop())
	ctx := context.Background()
	require.NoError(t, m.TerminateByProcess(ctx, "none", "x"))

	sess, err := m.Create(ctx, CreateRequest{ProcessID: "p1"})
	require.NoError(t, err)
	require.NoError(t, m.TerminateByProcess(ctx, "p1", "stopped"))

	_, err = m.GetActiveByProcess(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTerminated, got.Status)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "", truncate("é", 1))
}

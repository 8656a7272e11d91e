package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/events"
	"github.com/kandev/agentexec/internal/events/bus"
	"github.com/kandev/agentexec/internal/runtime"
)

// DefaultReplayEntries is how many output entries a new viewer is replayed.
const DefaultReplayEntries = 500

// Attacher gives raw access to local process terminals. runtime.Runtime
// implements it; remote runtimes return nil attachments.
type Attacher interface {
	AttachTerminal(processID string) runtime.Attachment
}

// Archiver stores a finished transcript and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, key string, transcript []byte) (string, error)
}

// CreateRequest describes a new session.
type CreateRequest struct {
	WorkspaceID      string
	ProcessID        string
	RuntimeSessionID string
	Cols, Rows       int
	UpstreamEndpoint string
}

// OutputFunc receives output appended to a session. seq is the log sequence
// number of the stored entry, or 0 when the entry could not be stored.
type OutputFunc func(sessionID string, seq int64, data []byte)

// Manager owns terminal sessions. It is safe for concurrent use.
type Manager struct {
	store    Store
	bus      bus.EventBus
	attacher Attacher
	archiver Archiver
	logger   *logger.Logger

	mu        sync.Mutex
	recorders map[string]func() // session id -> unsubscribe
	subs      []bus.Subscription

	outMu     sync.Mutex
	outLocks  map[string]*sync.Mutex // serializes append+notify per session
	listeners map[int]OutputFunc
	nextLst   int
}

// NewManager creates a manager. bus, attacher and archiver may be nil.
func NewManager(store Store, eventBus bus.EventBus, attacher Attacher, archiver Archiver, log *logger.Logger) *Manager {
	return &Manager{
		store:     store,
		bus:       eventBus,
		attacher:  attacher,
		archiver:  archiver,
		logger:    log.WithFields(zap.String("component", "terminal-manager")),
		recorders: make(map[string]func()),
		outLocks:  make(map[string]*sync.Mutex),
		listeners: make(map[int]OutputFunc),
	}
}

// Start subscribes to agent signals that change session status.
func (m *Manager) Start(ctx context.Context) error {
	if m.bus == nil {
		return nil
	}
	sub, err := m.bus.Subscribe(events.AgentLoginRequired, func(ctx context.Context, ev *bus.Event) error {
		processID := ev.String("process_id")
		sess, err := m.store.GetActiveByProcess(ctx, processID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = m.SetStatus(ctx, sess.ID, StatusLoginRequired)
		return err
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.AgentLoginRequired, err)
	}
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	return nil
}

// Close unsubscribes from the bus and stops all recorders.
func (m *Manager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	recorders := m.recorders
	m.recorders = make(map[string]func())
	m.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	for _, stop := range recorders {
		stop()
	}
}

// Create makes a new session for a process, terminating any session the
// process already has. In local mode a recorder logs output from now on.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	if req.ProcessID == "" {
		return nil, fmt.Errorf("process id is required")
	}
	if err := m.TerminateByProcess(ctx, req.ProcessID, "superseded"); err != nil {
		return nil, err
	}

	sess := &Session{
		WorkspaceID:      req.WorkspaceID,
		ProcessID:        req.ProcessID,
		RuntimeSessionID: req.RuntimeSessionID,
		Status:           StatusPending,
		Cols:             req.Cols,
		Rows:             req.Rows,
	}
	if req.UpstreamEndpoint != "" {
		ep := req.UpstreamEndpoint
		sess.UpstreamEndpoint = &ep
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	if m.startRecorder(sess) {
		sess.Status = StatusActive
		if err := m.store.UpdateSession(ctx, sess); err != nil {
			return nil, err
		}
	}
	m.publish(ctx, sess, "")
	m.logger.Info("terminal session created",
		zap.String("session_id", sess.ID),
		zap.String("process_id", sess.ProcessID),
		zap.String("status", string(sess.Status)))
	return sess, nil
}

func (m *Manager) startRecorder(sess *Session) bool {
	if m.attacher == nil {
		return false
	}
	att := m.attacher.AttachTerminal(sess.ProcessID)
	if att == nil {
		return false
	}
	sessionID := sess.ID
	stop, err := att.OnData(func(data []byte) {
		if _, err := m.AppendOutput(context.Background(), sessionID, data); err != nil {
			m.logger.Debug("recorder append failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	})
	if err != nil {
		m.logger.Warn("failed to start recorder", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	m.mu.Lock()
	m.recorders[sessionID] = stop
	m.mu.Unlock()
	return true
}

func (m *Manager) stopRecorder(sessionID string) {
	m.mu.Lock()
	stop, ok := m.recorders[sessionID]
	delete(m.recorders, sessionID)
	m.mu.Unlock()
	if ok {
		stop()
	}
}

// Recording reports whether a local recorder is logging the session.
func (m *Manager) Recording(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.recorders[sessionID]
	return ok
}

func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.GetSession(ctx, id)
}

func (m *Manager) GetActiveByProcess(ctx context.Context, processID string) (*Session, error) {
	return m.store.GetActiveByProcess(ctx, processID)
}

// mutate loads id, applies fn and saves. Terminated sessions are immutable.
func (m *Manager) mutate(ctx context.Context, id string, fn func(*Session) bool) (*Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusTerminated {
		return sess, ErrTerminated
	}
	if !fn(sess) {
		return sess, nil
	}
	sess.LastActivityAt = time.Now().UTC()
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// SetStatus changes the status and publishes terminal.status_changed when it
// differs. Use Terminate to end a session.
func (m *Manager) SetStatus(ctx context.Context, id string, status Status) (*Session, error) {
	if status == StatusTerminated {
		return m.Terminate(ctx, id, "")
	}
	changed := false
	sess, err := m.mutate(ctx, id, func(s *Session) bool {
		changed = s.Status != status
		s.Status = status
		return changed
	})
	if err != nil {
		return sess, err
	}
	if changed {
		m.publish(ctx, sess, "")
	}
	return sess, nil
}

// MarkAttached records the viewer user on the session.
func (m *Manager) MarkAttached(ctx context.Context, id, userID string) (*Session, error) {
	return m.mutate(ctx, id, func(s *Session) bool {
		u := userID
		s.AttachedUserID = &u
		return true
	})
}

// ClearAttached clears the marker if userID still holds it.
func (m *Manager) ClearAttached(ctx context.Context, id, userID string) error {
	_, err := m.mutate(ctx, id, func(s *Session) bool {
		if s.AttachedUserID == nil || *s.AttachedUserID != userID {
			return false
		}
		s.AttachedUserID = nil
		return true
	})
	if errors.Is(err, ErrTerminated) {
		return nil
	}
	return err
}

func (m *Manager) Resize(ctx context.Context, id string, cols, rows int) error {
	_, err := m.mutate(ctx, id, func(s *Session) bool {
		s.Cols, s.Rows = cols, rows
		return true
	})
	return err
}

// AppendLog stores content, truncated to MaxLogEntryBytes.
func (m *Manager) AppendLog(ctx context.Context, sessionID string, typ LogType, content string) error {
	if content == "" {
		return nil
	}
	return m.store.AppendLog(ctx, &LogEntry{
		SessionID: sessionID,
		Type:      typ,
		Content:   truncate(content, MaxLogEntryBytes),
	})
}

// AppendOutput stores a stdout chunk and hands it, untruncated, to every
// OnOutput listener together with the entry's sequence number. Appends for a
// session are serialized so listeners see chunks in sequence order.
func (m *Manager) AppendOutput(ctx context.Context, sessionID string, data []byte) (int64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	lock := m.outputLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	entry := &LogEntry{
		SessionID: sessionID,
		Type:      LogStdout,
		Content:   truncate(string(data), MaxLogEntryBytes),
	}
	err := m.store.AppendLog(ctx, entry)
	seq := entry.Seq
	if err != nil {
		seq = 0
	}
	for _, fn := range m.outputListeners() {
		fn(sessionID, seq, data)
	}
	return seq, err
}

// OnOutput registers fn for every AppendOutput call and returns a function
// that removes it. fn runs on the appending goroutine while the session's
// appends are held, so it should return promptly.
func (m *Manager) OnOutput(fn OutputFunc) func() {
	m.outMu.Lock()
	id := m.nextLst
	m.nextLst++
	m.listeners[id] = fn
	m.outMu.Unlock()
	return func() {
		m.outMu.Lock()
		delete(m.listeners, id)
		m.outMu.Unlock()
	}
}

func (m *Manager) outputLock(sessionID string) *sync.Mutex {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	l, ok := m.outLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.outLocks[sessionID] = l
	}
	return l
}

func (m *Manager) outputListeners() []OutputFunc {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	fns := make([]OutputFunc, 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	return fns
}

// RecentOutput returns the last limit stdout/stderr entries, oldest first.
func (m *Manager) RecentOutput(ctx context.Context, sessionID string, limit int) ([]*LogEntry, error) {
	if limit <= 0 {
		limit = DefaultReplayEntries
	}
	return m.store.RecentLogs(ctx, sessionID, []LogType{LogStdout, LogStderr}, limit)
}

// Terminate ends a session, stops its recorder and archives the transcript
// when an archiver is configured. Terminating twice is a no-op.
func (m *Manager) Terminate(ctx context.Context, id, reason string) (*Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusTerminated {
		return sess, nil
	}
	m.stopRecorder(id)
	m.outMu.Lock()
	delete(m.outLocks, id)
	m.outMu.Unlock()

	now := time.Now().UTC()
	sess.Status = StatusTerminated
	sess.TerminationReason = reason
	sess.TerminatedAt = &now
	sess.AttachedUserID = nil
	sess.TranscriptURL = m.archive(ctx, sess)
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	m.publish(ctx, sess, reason)
	m.logger.Info("terminal session terminated", zap.String("session_id", id), zap.String("reason", reason))
	return sess, nil
}

// TerminateByProcess terminates the active session of processID, if any.
func (m *Manager) TerminateByProcess(ctx context.Context, processID, reason string) error {
	sess, err := m.store.GetActiveByProcess(ctx, processID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = m.Terminate(ctx, sess.ID, reason)
	return err
}

func (m *Manager) archive(ctx context.Context, sess *Session) string {
	if m.archiver == nil {
		return ""
	}
	entries, err := m.store.RecentLogs(ctx, sess.ID, nil, 0)
	if err != nil {
		m.logger.Warn("failed to load transcript", zap.String("session_id", sess.ID), zap.Error(err))
		return ""
	}
	if len(entries) == 0 {
		return ""
	}
	url, err := m.archiver.Archive(ctx, "transcripts/"+sess.ID+".log", renderTranscript(entries))
	if err != nil {
		m.logger.Warn("failed to archive transcript", zap.String("session_id", sess.ID), zap.Error(err))
		return ""
	}
	return url
}

// renderTranscript writes output verbatim and marks stdin/system entries on
// their own lines.
func renderTranscript(entries []*LogEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		switch e.Type {
		case LogStdout, LogStderr:
			buf.WriteString(e.Content)
		default:
			fmt.Fprintf(&buf, "\n[%s %s] %q\n", e.CreatedAt.Format(time.RFC3339), e.Type, e.Content)
		}
	}
	return buf.Bytes()
}

func (m *Manager) publish(ctx context.Context, sess *Session, reason string) {
	if m.bus == nil {
		return
	}
	ev := bus.NewEvent(events.TerminalStatusChanged, "terminal-manager", map[string]interface{}{
		"session_id":         sess.ID,
		"process_id":         sess.ProcessID,
		"workspace_id":       sess.WorkspaceID,
		"runtime_session_id": sess.RuntimeSessionID,
		"status":             string(sess.Status),
		"reason":             reason,
	})
	if err := m.bus.Publish(ctx, events.TerminalStatusChanged, ev); err != nil {
		m.logger.Warn("failed to publish terminal status", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

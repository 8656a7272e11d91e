package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentexec/internal/common/config"
	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/db"
	"github.com/kandev/agentexec/internal/events"
	"github.com/kandev/agentexec/internal/events/bus"
	"github.com/kandev/agentexec/internal/runtime"
	sessions "github.com/kandev/agentexec/internal/terminal"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAttachment struct {
	mu       sync.Mutex
	handlers map[int]func([]byte)
	next     int
	writes   []string
	sizes    [][2]int
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

func (a *fakeAttachment) Write(p []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, string(p))
	return nil
}

func (a *fakeAttachment) Resize(cols, rows int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sizes = append(a.sizes, [2]int{cols, rows})
	return nil
}

func (a *fakeAttachment) written() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.writes...)
}

type fakeAttacher struct {
	att *fakeAttachment
}

func (f *fakeAttacher) AttachTerminal(string) runtime.Attachment {
	if f.att == nil {
		return nil
	}
	return f.att
}

type harness struct {
	gw      *Gateway
	manager *sessions.Manager
	server  *httptest.Server
}

type harnessOptions struct {
	// recorded hands the attacher to the manager too, so local output is
	// logged by its recorder instead of by the gateway.
	recorded bool
	wrap     func(*sessions.Manager) SessionManager
}

func newHarness(t *testing.T, attacher sessions.Attacher, eventBus bus.EventBus) *harness {
	return newHarnessWith(t, attacher, eventBus, harnessOptions{})
}

func newHarnessWith(t *testing.T, attacher sessions.Attacher, eventBus bus.EventBus, opts harnessOptions) *harness {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "gw.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	store, err := sessions.NewSQLStore(pool)
	require.NoError(t, err)

	var recorder sessions.Attacher
	if opts.recorded {
		recorder = attacher
	}
	mgr := sessions.NewManager(store, eventBus, recorder, nil, logger.Nop())
	var sm SessionManager = mgr
	if opts.wrap != nil {
		sm = opts.wrap(mgr)
	}
	gw := New(sm, attacher, eventBus, nil, Config{}, logger.Nop())
	require.NoError(t, gw.Start(context.Background()))

	r := gin.New()
	gw.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return &harness{gw: gw, manager: mgr, server: srv}
}

// hookedSessions runs hooks around the first replay read, standing in for
// output that races an attach.
type hookedSessions struct {
	*sessions.Manager
	before, after func()
	once          sync.Once
}

func (h *hookedSessions) RecentOutput(ctx context.Context, sessionID string, limit int) ([]*sessions.LogEntry, error) {
	first := false
	h.once.Do(func() { first = true })
	if first && h.before != nil {
		h.before()
	}
	entries, err := h.Manager.RecentOutput(ctx, sessionID, limit)
	if first && h.after != nil {
		h.after()
	}
	return entries, err
}

func wsURL(base, path string) string {
	return "ws" + strings.TrimPrefix(base, "http") + path
}

func (h *harness) dialViewer(t *testing.T, userID string) *gorillaws.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("X-User-ID", userID)
	conn, resp, err := gorillaws.DefaultDialer.Dial(wsURL(h.server.URL, "/api/terminal/ws"), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *gorillaws.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func readMsg(t *testing.T, conn *gorillaws.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readNonStatus skips status notifications, which may interleave.
func readNonStatus(t *testing.T, conn *gorillaws.Conn) ServerMessage {
	t.Helper()
	for {
		msg := readMsg(t, conn)
		if msg.Type != MsgStatus {
			return msg
		}
	}
}

func readUntil(t *testing.T, conn *gorillaws.Conn, match func(ServerMessage) bool) ServerMessage {
	t.Helper()
	for {
		msg := readMsg(t, conn)
		if match(msg) {
			return msg
		}
	}
}

func TestGateway_LocalAttachOrdering(t *testing.T) {
	att := &fakeAttachment{}
	h := newHarness(t, &fakeAttacher{att: att}, nil)
	ctx := context.Background()

	sess, err := h.manager.Create(ctx, sessions.CreateRequest{ProcessID: "p1", WorkspaceID: "ws", Cols: 80, Rows: 24})
	require.NoError(t, err)
	require.NoError(t, h.manager.AppendLog(ctx, sess.ID, sessions.LogStdout, "hello "))
	require.NoError(t, h.manager.AppendLog(ctx, sess.ID, sessions.LogStdin, "ignored"))
	require.NoError(t, h.manager.AppendLog(ctx, sess.ID, sessions.LogStderr, "world"))

	conn := h.dialViewer(t, "u1")
	send(t, conn, ClientMessage{Type: MsgAttach, SessionID: sess.ID})

	first := readNonStatus(t, conn)
	assert.Equal(t, MsgAttached, first.Type)
	assert.Equal(t, sess.ID, first.SessionID)
	assert.Equal(t, MsgClear, readNonStatus(t, conn).Type)
	replay := readNonStatus(t, conn)
	assert.Equal(t, MsgOutput, replay.Type)
	assert.Equal(t, "hello world", replay.Data)

	att.emit("live")
	live := readNonStatus(t, conn)
	assert.Equal(t, MsgOutput, live.Type)
	assert.Equal(t, "live", live.Data)

	send(t, conn, ClientMessage{Type: MsgInput, Data: "ls\n"})
	require.Eventually(t, func() bool {
		w := att.written()
		return len(w) == 1 && w[0] == "ls\n"
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := h.manager.Get(ctx, sess.ID)
		return err == nil && got.Status == sessions.StatusActive &&
			got.AttachedUserID != nil && *got.AttachedUserID == "u1"
	}, 2*time.Second, 10*time.Millisecond)

	// Unrecorded local output and viewer input are both logged.
	entries, err := h.manager.RecentOutput(ctx, sess.ID, 10)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Content)
	}
	assert.Contains(t, out, "live")

	send(t, conn, ClientMessage{Type: MsgResize, Cols: 120, Rows: 40})
	require.Eventually(t, func() bool {
		got, err := h.manager.Get(ctx, sess.ID)
		return err == nil && got.Cols == 120 && got.Rows == 40
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_DetachAndClose(t *testing.T) {
	att := &fakeAttachment{}
	h := newHarness(t, &fakeAttacher{att: att}, nil)
	ctx := context.Background()

	sess, err := h.manager.Create(ctx, sessions.CreateRequest{ProcessID: "p1"})
	require.NoError(t, err)

	conn := h.dialViewer(t, "u1")
	send(t, conn, ClientMessage{Type: MsgAttach, SessionID: sess.ID})
	assert.Equal(t, MsgAttached, readNonStatus(t, conn).Type)
	assert.Equal(t, 1, att.subscribers())

	send(t, conn, ClientMessage{Type: MsgDetach})
	require.Eventually(t, func() bool {
		got, err := h.manager.Get(ctx, sess.ID)
		return err == nil && got.AttachedUserID == nil && att.subscribers() == 0
	}, 2*time.Second, 10*time.Millisecond)

	send(t, conn, ClientMessage{Type: MsgInput, Data: "x"})
	msg := readNonStatus(t, conn)
	assert.Equal(t, MsgError, msg.Type)
	assert.Contains(t, msg.Message, "not attached")

	send(t, conn, ClientMessage{Type: MsgAttach, SessionID: sess.ID})
	assert.Equal(t, MsgAttached, readNonStatus(t, conn).Type)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		got, err := h.manager.Get(ctx, sess.ID)
		return err == nil && got.AttachedUserID == nil && att.subscribers() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_AttachErrors(t *testing.T) {
	h := newHarness(t, &fakeAttacher{}, nil)
	ctx := context.Background()
	conn := h.dialViewer(t, "u1")

	send(t, conn, ClientMessage{Type: MsgAttach, SessionID: "missing"})
	msg := readNonStatus(t, conn)
	assert.Equal(t, MsgError, msg.Type)
	assert.Contains(t, msg.Message, "not found")

	gone, err := h.manager.Create(ctx, sessions.CreateRequest{ProcessID: "p-gone"})
	require.NoError(t, err)
	_, err = h.manager.Terminate(ctx, gone.ID, "done")
	require.NoError(t, err)
	send(t, conn, ClientMessage{Type: MsgAttach, SessionID: gone.ID})
	msg = readNonStatus(t, conn)
	assert.Equal(t, MsgError, msg.Type)
	assert.Contains(t, msg.Message, "terminated")

	orphan, err := h.manager.Create(ctx, sessions.CreateRequest{ProcessID: "p-orphan"})
	require.NoError(t, err)
	send(t, conn, ClientMessage{Type: MsgAttach, SessionID: orphan.ID})
	msg = readNonStatus(t, conn)
	assert.Equal(t, MsgError, msg.Type)
	assert.Contains(t, msg.Message, "no terminal upstream")
	got, err := h.manager.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, sessions.StatusDisconnected, got.Status)

	send(t, conn, ClientMessage{Type: "bogus"})
	msg = readNonStatus(t, conn)
	assert.Equal(t, MsgError, msg.Type)
	assert.Contains(t, msg.Message, "unknown message type")

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("{not json")))
	assert.Equal(t, MsgError, readNonStatus(t, conn).Type)
}

// fakeRemote is a remote runtime serving /terminal/<runtimeSessionId>.
type fakeRemote struct {
	server   *httptest.Server
	mu       sync.Mutex
	binary   []string
	text     []string
	conns    chan *gorillaws.Conn
	greeting string
}

func newFakeRemote(t *testing.T, greeting string) *fakeRemote {
	t.Helper()
	f := &fakeRemote{conns: make(chan *gorillaws.Conn, 4), greeting: greeting}
	upgrader := gorillaws.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/terminal/rs1" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		_ = conn.WriteMessage(gorillaws.TextMessage, []byte(f.greeting))
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.mu.Lock()
			if typ == gorillaws.BinaryMessage {
				f.binary = append(f.binary, string(data))
			} else {
				f.text = append(f.text, string(data))
			}
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRemote) received() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.binary...), append([]string(nil), f.text...)
}

func TestGateway_ProxyTopology(t *testing.T) {
	remote := newFakeRemote(t, "remote-out")
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	sess, err := h.manager.Create(ctx, sessions.CreateRequest{
		ProcessID:        "p1",
		RuntimeSessionID: "rs1",
		UpstreamEndpoint: remote.server.URL,
	})
	require.NoError(t, err)

	conn := h.dialViewer(t, "u1")
	send(t, conn, ClientMessage{Type: MsgAttach, SessionID: sess.ID})
	assert.Equal(t, MsgAttached, readNonStatus(t, conn).Type)
	assert.Equal(t, MsgClear, readNonStatus(t, conn).Type)
	out := readNonStatus(t, conn)
	assert.Equal(t, MsgOutput, out.Type)
	assert.Equal(t, "remote-out", out.Data)

	send(t, conn, ClientMessage{Type: MsgInput, Data: "whoami\n"})
	send(t, conn, ClientMessage{Type: MsgResize, Cols: 100, Rows: 30})
	require.Eventually(t, func() bool {
		bin, text := remote.received()
		return len(bin) == 1 && len(text) == 1
	}, 2*time.Second, 10*time.Millisecond)
	bin, text := remote.received()
	assert.Equal(t, "whoami\n", bin[0])
	var ctl controlMessage
	require.NoError(t, json.Unmarshal([]byte(text[0]), &ctl))
	assert.Equal(t, controlMessage{Type: MsgResize, Cols: 100, Rows: 30}, ctl)

	// The runtime going away disconnects the session for every viewer.
	rc := <-remote.conns
	require.NoError(t, rc.Close())
	status := readUntil(t, conn, func(m ServerMessage) bool {
		return m.Type == MsgStatus && m.Status == string(sessions.StatusDisconnected)
	})
	assert.Equal(t, sess.ID, status.SessionID)

	got, err := h.manager.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sessions.StatusDisconnected, got.Status)
}

func TestGateway_LegacyTopology(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	rt, resp, err := gorillaws.DefaultDialer.Dial(wsURL(h.server.URL, "/api/runtime/terminal?runtimeSessionId=rs2"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = rt.Close() }()
	require.Eventually(t, func() bool { return h.gw.legacy.get("rs2") != nil }, 2*time.Second, 10*time.Millisecond)

	sess, err := h.manager.Create(ctx, sessions.CreateRequest{ProcessID: "p2", RuntimeSessionID: "rs2"})
	require.NoError(t, err)

	conn := h.dialViewer(t, "u1")
	send(t, conn, ClientMessage{Type: MsgAttach, SessionID: sess.ID})
	assert.Equal(t, MsgAttached, readNonStatus(t, conn).Type)
	assert.Equal(t, MsgClear, readNonStatus(t, conn).Type)

	require.NoError(t, rt.WriteMessage(gorillaws.BinaryMessage, []byte("legacy-out")))
	out := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == MsgOutput })
	assert.Equal(t, "legacy-out", out.Data)

	send(t, conn, ClientMessage{Type: MsgInput, Data: "y"})
	require.NoError(t, rt.SetReadDeadline(time.Now().Add(5*time.Second)))
	typ, data, err := rt.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gorillaws.BinaryMessage, typ)
	assert.Equal(t, "y", string(data))

	require.NoError(t, rt.Close())
	readUntil(t, conn, func(m ServerMessage) bool {
		return m.Type == MsgStatus && m.Status == string(sessions.StatusDisconnected)
	})
}

func TestGateway_RuntimeRequiresSessionID(t *testing.T) {
	h := newHarness(t, nil, nil)
	resp, err := http.Get(h.server.URL + "/api/runtime/terminal")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_BusNotifications(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.Nop())
	defer eventBus.Close()
	att := &fakeAttachment{}
	h := newHarness(t, &fakeAttacher{att: att}, eventBus)
	ctx := context.Background()

	sess, err := h.manager.Create(ctx, sessions.CreateRequest{ProcessID: "p1"})
	require.NoError(t, err)

	conn := h.dialViewer(t, "u1")
	send(t, conn, ClientMessage{Type: MsgAttach, SessionID: sess.ID})
	readUntil(t, conn, func(m ServerMessage) bool { return m.Type == MsgClear })

	ev := bus.NewEvent(events.AgentError, "test", map[string]interface{}{"process_id": "p1", "error": "boom"})
	require.NoError(t, eventBus.Publish(ctx, events.AgentError, ev))
	msg := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == MsgError })
	assert.Equal(t, "boom", msg.Message)
	assert.Equal(t, sess.ID, msg.SessionID)

	_, err = h.manager.Terminate(ctx, sess.ID, "agent stopped")
	require.NoError(t, err)
	readUntil(t, conn, func(m ServerMessage) bool {
		return m.Type == MsgStatus && m.Status == string(sessions.StatusTerminated)
	})
}

func TestGateway_LegacyTakesPrecedence(t *testing.T) {
	att := &fakeAttachment{}
	h := newHarness(t, &fakeAttacher{att: att}, nil)
	ctx := context.Background()

	rt, resp, err := gorillaws.DefaultDialer.Dial(wsURL(h.server.URL, "/api/runtime/terminal?runtimeSessionId=rs9"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = rt.Close() }()
	require.Eventually(t, func() bool { return h.gw.legacy.get("rs9") != nil }, 2*time.Second, 10*time.Millisecond)

	// Nothing listens on the endpoint; dialing it would fail the attach.
	sess, err := h.manager.Create(ctx, sessions.CreateRequest{
		ProcessID:        "p9",
		RuntimeSessionID: "rs9",
		UpstreamEndpoint: "http://127.0.0.1:1",
	})
	require.NoError(t, err)

	conn := h.dialViewer(t, "u1")
	send(t, conn, ClientMessage{Type: MsgAttach, SessionID: sess.ID})
	assert.Equal(t, MsgAttached, readNonStatus(t, conn).Type)
	assert.Equal(t, MsgClear, readNonStatus(t, conn).Type)
	assert.Equal(t, 0, att.subscribers())

	require.NoError(t, rt.WriteMessage(gorillaws.BinaryMessage, []byte("from-runtime")))
	out := readUntil(t, conn, func(m ServerMessage) bool { return m.Type == MsgOutput })
	assert.Equal(t, "from-runtime", out.Data)

	send(t, conn, ClientMessage{Type: MsgInput, Data: "q"})
	require.NoError(t, rt.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := rt.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "q", string(data))
	assert.Empty(t, att.written())
}

// readOutputs collects output messages until n have arrived.
func readOutputs(t *testing.T, conn *gorillaws.Conn, n int) []string {
	t.Helper()
	var out []string
	for len(out) < n {
		msg := readNonStatus(t, conn)
		if msg.Type == MsgOutput {
			out = append(out, msg.Data)
		}
	}
	return out
}

func TestGateway_OutputDuringAttachArrivesOnce(t *testing.T) {
	tests := []struct {
		name     string
		recorded bool
		before   bool
		want     []string
	}{
		{name: "stored before replay read", before: true, want: []string{"old LIVE", "after"}},
		{name: "stored after replay read", want: []string{"old ", "LIVE", "after"}},
		{name: "recorder stored before replay read", recorded: true, before: true, want: []string{"old LIVE", "after"}},
		{name: "recorder stored after replay read", recorded: true, want: []string{"old ", "LIVE", "after"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			att := &fakeAttachment{}
			emit := func() { att.emit("LIVE") }
			h := newHarnessWith(t, &fakeAttacher{att: att}, nil, harnessOptions{
				recorded: tt.recorded,
				wrap: func(m *sessions.Manager) SessionManager {
					hs := &hookedSessions{Manager: m}
					if tt.before {
						hs.before = emit
					} else {
						hs.after = emit
					}
					return hs
				},
			})
			ctx := context.Background()

			sess, err := h.manager.Create(ctx, sessions.CreateRequest{ProcessID: "p1"})
			require.NoError(t, err)
			require.NoError(t, h.manager.AppendLog(ctx, sess.ID, sessions.LogStdout, "old "))

			conn := h.dialViewer(t, "u1")
			send(t, conn, ClientMessage{Type: MsgAttach, SessionID: sess.ID})
			assert.Equal(t, MsgAttached, readNonStatus(t, conn).Type)
			assert.Equal(t, MsgClear, readNonStatus(t, conn).Type)

			att.emit("after")
			assert.Equal(t, tt.want, readOutputs(t, conn, len(tt.want)))
		})
	}
}

func TestGateway_ConcurrentOutputStreamIsExact(t *testing.T) {
	att := &fakeAttachment{}
	h := newHarnessWith(t, &fakeAttacher{att: att}, nil, harnessOptions{recorded: true})
	ctx := context.Background()

	sess, err := h.manager.Create(ctx, sessions.CreateRequest{ProcessID: "p1"})
	require.NoError(t, err)
	require.NoError(t, h.manager.AppendLog(ctx, sess.ID, sessions.LogStdout, "old|"))

	var want strings.Builder
	want.WriteString("old|")
	chunks := make([]string, 200)
	for i := range chunks {
		chunks[i] = fmt.Sprintf("c%d|", i)
		want.WriteString(chunks[i])
	}
	want.WriteString("END")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, c := range chunks {
			att.emit(c)
		}
	}()

	conn := h.dialViewer(t, "u1")
	send(t, conn, ClientMessage{Type: MsgAttach, SessionID: sess.ID})
	<-done
	att.emit("END")

	var got strings.Builder
	for !strings.HasSuffix(got.String(), "END") {
		msg := readNonStatus(t, conn)
		if msg.Type == MsgOutput {
			got.WriteString(msg.Data)
		}
	}
	assert.Equal(t, want.String(), got.String())
}

func TestGate(t *testing.T) {
	var g gate
	var sent []string
	send := func(p []byte) { sent = append(sent, string(p)) }

	g.deliver(3, []byte("a"), send)
	g.deliver(5, []byte("b"), send)
	g.deliver(0, []byte("unstored"), send)
	assert.Empty(t, sent)

	g.release(3, send)
	assert.Equal(t, []string{"b", "unstored"}, sent)

	g.deliver(4, []byte("stale"), send)
	g.deliver(6, []byte("c"), send)
	assert.Equal(t, []string{"b", "unstored", "c"}, sent)

	g.close()
	g.deliver(7, []byte("d"), send)
	assert.Len(t, sent, 3)
}

func TestProxyURL(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
		wantErr  bool
	}{
		{"http://runtime:8080", "ws://runtime:8080/terminal/rs%2F1", false},
		{"https://runtime.example.com/base/", "wss://runtime.example.com/base/terminal/rs%2F1", false},
		{"ws://runtime", "ws://runtime/terminal/rs%2F1", false},
		{"ftp://runtime", "", true},
	}
	for _, tt := range tests {
		got, err := proxyURL(tt.endpoint, "rs/1")
		if tt.wantErr {
			assert.Error(t, err, tt.endpoint)
			continue
		}
		require.NoError(t, err, tt.endpoint)
		assert.Equal(t, tt.want, got)
	}
}

func TestCheckWebSocketOrigin(t *testing.T) {
	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "agentexec:8080", true},
		{"http://localhost:3000", "agentexec:8080", true},
		{"https://agentexec", "agentexec:8080", true},
		{"https://evil.example.com", "agentexec:8080", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/terminal/ws", nil)
		r.Host = tt.host
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, checkWebSocketOrigin(r), tt.origin)
	}
}

package terminal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/events"
	"github.com/kandev/agentexec/internal/events/bus"
	"github.com/kandev/agentexec/internal/metrics"
	sessions "github.com/kandev/agentexec/internal/terminal"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512 * 1024

	defaultDialTimeout = 10 * time.Second
)

// SessionManager is the subset of terminal.Manager the gateway drives.
type SessionManager interface {
	Get(ctx context.Context, id string) (*sessions.Session, error)
	SetStatus(ctx context.Context, id string, status sessions.Status) (*sessions.Session, error)
	MarkAttached(ctx context.Context, id, userID string) (*sessions.Session, error)
	ClearAttached(ctx context.Context, id, userID string) error
	Resize(ctx context.Context, id string, cols, rows int) error
	AppendLog(ctx context.Context, sessionID string, typ sessions.LogType, content string) error
	AppendOutput(ctx context.Context, sessionID string, data []byte) (int64, error)
	OnOutput(fn sessions.OutputFunc) func()
	RecentOutput(ctx context.Context, sessionID string, limit int) ([]*sessions.LogEntry, error)
	Recording(sessionID string) bool
}

// Config tunes the gateway. Zero values take defaults.
type Config struct {
	ReplayEntries int
	DialTimeout   time.Duration
}

// Gateway bridges viewer WebSockets to agent terminals.
type Gateway struct {
	sessions    SessionManager
	attacher    sessions.Attacher
	bus         bus.EventBus
	metrics     *metrics.Metrics
	dialer      *gorillaws.Dialer
	legacy      *legacyRegistry
	replay      int
	dialTimeout time.Duration
	logger      *logger.Logger

	mu      sync.RWMutex
	viewers map[*viewer]struct{}
	writers map[string]*viewer // session id → viewer whose upstream output is logged
	subs    []bus.Subscription

	stopOutput func()
}

// New creates a gateway. attacher, eventBus and m may be nil.
func New(sm SessionManager, attacher sessions.Attacher, eventBus bus.EventBus, m *metrics.Metrics, cfg Config, log *logger.Logger) *Gateway {
	if cfg.ReplayEntries <= 0 {
		cfg.ReplayEntries = sessions.DefaultReplayEntries
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	g := &Gateway{
		sessions: sm,
		attacher: attacher,
		bus:      eventBus,
		metrics:  m,
		dialer: &gorillaws.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		legacy:      newLegacyRegistry(),
		replay:      cfg.ReplayEntries,
		dialTimeout: cfg.DialTimeout,
		logger:      log.WithFields(zap.String("component", "terminal-gateway")),
		viewers:     make(map[*viewer]struct{}),
		writers:     make(map[string]*viewer),
	}
	g.stopOutput = sm.OnOutput(g.fanOutput)
	return g
}

// RegisterRoutes mounts the viewer and runtime endpoints.
func (g *Gateway) RegisterRoutes(r gin.IRoutes) {
	r.GET("/api/terminal/ws", g.HandleViewer)
	r.GET("/api/runtime/terminal", g.HandleRuntime)
}

// Start subscribes to session status changes and agent errors.
func (g *Gateway) Start(ctx context.Context) error {
	if g.bus == nil {
		return nil
	}
	statusSub, err := g.bus.Subscribe(events.TerminalStatusChanged, func(_ context.Context, ev *bus.Event) error {
		g.broadcastStatus(ev.String("session_id"), ev.String("status"))
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.TerminalStatusChanged, err)
	}
	errSub, err := g.bus.Subscribe(events.AgentError, func(_ context.Context, ev *bus.Event) error {
		msg := ev.String("error")
		if msg == "" {
			msg = "agent process exited unexpectedly"
		}
		g.broadcastError(ev.String("process_id"), msg)
		return nil
	})
	if err != nil {
		_ = statusSub.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", events.AgentError, err)
	}
	g.mu.Lock()
	g.subs = append(g.subs, statusSub, errSub)
	g.mu.Unlock()
	return nil
}

// Close drops every viewer and runtime connection.
func (g *Gateway) Close() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	stopOutput := g.stopOutput
	g.stopOutput = nil
	viewers := make([]*viewer, 0, len(g.viewers))
	for v := range g.viewers {
		viewers = append(viewers, v)
	}
	g.mu.Unlock()
	if stopOutput != nil {
		stopOutput()
	}
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	for _, v := range viewers {
		_ = v.conn.Close()
	}
	g.legacy.closeAll()
}

var terminalUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin allows non-browser clients, localhost and same-host
// origins.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := originURL.Hostname()
	if originHost == "localhost" || originHost == "127.0.0.1" {
		return true
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if h, _, ok := strings.Cut(host, ":"); ok && !strings.HasPrefix(host, "[") {
		host = h
	}
	return originHost == host
}

// HandleViewer upgrades a viewer connection at /api/terminal/ws.
func (g *Gateway) HandleViewer(c *gin.Context) {
	conn, err := terminalUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("failed to upgrade viewer connection", zap.Error(err))
		return
	}
	v := newViewer(g, conn, viewerID(c))
	g.mu.Lock()
	g.viewers[v] = struct{}{}
	g.mu.Unlock()
	g.metrics.ViewerConnected()
	g.logger.Info("viewer connected",
		zap.String("user_id", v.userID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	v.run(c.Request.Context())

	v.detach(context.Background())
	g.mu.Lock()
	delete(g.viewers, v)
	g.mu.Unlock()
	g.metrics.ViewerDisconnected()
	g.logger.Info("viewer disconnected", zap.String("user_id", v.userID))
}

func viewerID(c *gin.Context) string {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id
	}
	if id := c.Query("userId"); id != "" {
		return id
	}
	return "anonymous"
}

// HandleRuntime accepts an inbound runtime connection at
// /api/runtime/terminal?runtimeSessionId=.
func (g *Gateway) HandleRuntime(c *gin.Context) {
	runtimeSessionID := c.Query("runtimeSessionId")
	if runtimeSessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "runtimeSessionId is required"})
		return
	}
	conn, err := terminalUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("failed to upgrade runtime connection", zap.Error(err))
		return
	}
	lc := &legacyConn{runtimeSessionID: runtimeSessionID, conn: conn}
	if prev := g.legacy.register(lc); prev != nil {
		_ = prev.conn.Close()
	}
	g.logger.Info("runtime terminal connected", zap.String("runtime_session_id", runtimeSessionID))

	conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseNormalClosure) {
				g.logger.Warn("runtime terminal read error",
					zap.String("runtime_session_id", runtimeSessionID), zap.Error(err))
			}
			break
		}
		g.legacyOutput(lc, data)
	}
	_ = conn.Close()

	// A replaced connection is not a disconnect.
	if !g.legacy.unregister(lc) {
		return
	}
	g.logger.Info("runtime terminal disconnected", zap.String("runtime_session_id", runtimeSessionID))
	if sid := lc.session(); sid != "" {
		g.upstreamLost(sid)
	}
}

func (g *Gateway) legacyOutput(lc *legacyConn, data []byte) {
	g.metrics.ObserveTerminalMessage("upstream", string(TopologyLegacy))
	if sid := lc.session(); sid != "" {
		g.appendOutput(sid, data)
	}
}

// logUpstream records proxy or unrecorded local output once per session, no
// matter how many viewers hold an upstream.
func (g *Gateway) logUpstream(v *viewer, sessionID string, data []byte, topo Topology) {
	g.metrics.ObserveTerminalMessage("upstream", string(topo))
	if topo == TopologyLocal && g.sessions.Recording(sessionID) {
		return
	}
	if !g.claimWriter(sessionID, v) {
		return
	}
	g.appendOutput(sessionID, data)
}

// appendOutput stores output; viewers get it back through fanOutput.
func (g *Gateway) appendOutput(sessionID string, data []byte) {
	if _, err := g.sessions.AppendOutput(context.Background(), sessionID, data); err != nil {
		g.logger.Warn("failed to log terminal output", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (g *Gateway) fanOutput(sessionID string, seq int64, data []byte) {
	for _, v := range g.snapshotViewers() {
		v.deliver(sessionID, seq, data)
	}
}

func (g *Gateway) claimWriter(sessionID string, v *viewer) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.writers[sessionID]
	if !ok {
		g.writers[sessionID] = v
		return true
	}
	return w == v
}

func (g *Gateway) releaseWriter(sessionID string, v *viewer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writers[sessionID] == v {
		delete(g.writers, sessionID)
	}
}

// upstreamLost marks the session disconnected and tells its viewers.
func (g *Gateway) upstreamLost(sessionID string) {
	g.setStatus(context.Background(), sessionID, sessions.StatusDisconnected)
}

// setStatus persists a status. With a bus the change comes back through the
// terminal.status_changed subscription; without one viewers are told here.
func (g *Gateway) setStatus(ctx context.Context, sessionID string, status sessions.Status) {
	sess, err := g.sessions.SetStatus(ctx, sessionID, status)
	if err != nil {
		g.logger.Warn("failed to update terminal status",
			zap.String("session_id", sessionID),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	if g.bus == nil {
		g.broadcastStatus(sessionID, string(sess.Status))
	}
}

func (g *Gateway) snapshotViewers() []*viewer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*viewer, 0, len(g.viewers))
	for v := range g.viewers {
		out = append(out, v)
	}
	return out
}

func (g *Gateway) broadcastStatus(sessionID, status string) {
	if sessionID == "" {
		return
	}
	for _, v := range g.snapshotViewers() {
		if v.attachedTo(sessionID) {
			v.send(ServerMessage{Type: MsgStatus, SessionID: sessionID, Status: status})
		}
	}
}

func (g *Gateway) broadcastError(processID, message string) {
	if processID == "" {
		return
	}
	for _, v := range g.snapshotViewers() {
		if sid, ok := v.attachedToProcess(processID); ok {
			v.send(ServerMessage{Type: MsgError, SessionID: sid, Message: message})
		}
	}
}

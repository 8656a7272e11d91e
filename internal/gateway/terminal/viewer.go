package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	sessions "github.com/kandev/agentexec/internal/terminal"
)

// viewer is one browser connection. It is attached to at most one session.
type viewer struct {
	g       *Gateway
	conn    *gorillaws.Conn
	userID  string
	writeMu sync.Mutex

	mu               sync.Mutex
	gen              uint64 // bumped on every attach and detach
	sessionID        string
	processID        string
	runtimeSessionID string
	up               upstream
	gate             *gate
}

func newViewer(g *Gateway, conn *gorillaws.Conn, userID string) *viewer {
	return &viewer{g: g, conn: conn, userID: userID}
}

func (v *viewer) send(msg ServerMessage) {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := v.conn.WriteJSON(msg); err != nil {
		v.g.logger.Debug("viewer write failed", zap.String("type", msg.Type), zap.Error(err))
	}
}

func (v *viewer) sendError(err error) {
	v.send(ServerMessage{Type: MsgError, Message: err.Error()})
}

func (v *viewer) run(ctx context.Context) {
	v.conn.SetReadLimit(maxMessageSize)
	_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go v.pingLoop(done)

	for {
		_, data, err := v.conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseNormalClosure) {
				v.g.logger.Warn("viewer read error", zap.String("user_id", v.userID), zap.Error(err))
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			v.sendError(fmt.Errorf("invalid message: %w", err))
			continue
		}
		if err := v.handle(ctx, msg); err != nil {
			v.sendError(err)
		}
	}
}

func (v *viewer) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			v.writeMu.Lock()
			err := v.conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(writeWait))
			v.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (v *viewer) handle(ctx context.Context, msg ClientMessage) error {
	switch msg.Type {
	case MsgAttach:
		if msg.SessionID == "" {
			return errors.New("sessionId is required")
		}
		return v.attach(ctx, msg.SessionID)
	case MsgInput:
		return v.input(ctx, msg.Data)
	case MsgResize:
		return v.resize(ctx, msg.Cols, msg.Rows)
	case MsgDetach:
		v.detach(ctx)
		return nil
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

// attach runs the attach sequence: tear down the previous attachment, connect
// the upstream with live output held back, then send attached, clear, one
// replay of recent output, and finally release live output.
func (v *viewer) attach(ctx context.Context, sessionID string) error {
	g := v.g
	v.detach(ctx)

	sess, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return sessions.ErrNotFound
		}
		return fmt.Errorf("load terminal session: %w", err)
	}
	if sess.Status == sessions.StatusTerminated {
		return sessions.ErrTerminated
	}

	if sess.Status == sessions.StatusPending || sess.Status == sessions.StatusDisconnected {
		g.setStatus(ctx, sess.ID, sessions.StatusConnecting)
	}

	gt := &gate{}
	v.mu.Lock()
	v.gen++
	gen := v.gen
	v.sessionID = sess.ID
	v.processID = sess.ProcessID
	v.runtimeSessionID = sess.RuntimeSessionID
	v.gate = gt
	v.mu.Unlock()

	up, err := g.connect(ctx, v, gen, sess)
	if err != nil {
		v.mu.Lock()
		if v.gen == gen {
			v.gen++
			v.sessionID, v.processID, v.runtimeSessionID = "", "", ""
			v.gate = nil
		}
		v.mu.Unlock()
		gt.close()
		g.releaseWriter(sess.ID, v)
		g.setStatus(ctx, sess.ID, sessions.StatusDisconnected)
		return fmt.Errorf("connect terminal: %w", err)
	}

	v.mu.Lock()
	if v.gen != gen {
		v.mu.Unlock()
		up.close()
		return nil
	}
	v.up = up
	v.mu.Unlock()

	if _, err := g.sessions.MarkAttached(ctx, sess.ID, v.userID); err != nil {
		g.logger.Warn("failed to mark terminal attached", zap.String("session_id", sess.ID), zap.Error(err))
	}
	g.logger.Info("viewer attached",
		zap.String("session_id", sess.ID),
		zap.String("user_id", v.userID),
		zap.String("topology", string(up.topology())))

	v.send(ServerMessage{Type: MsgAttached, SessionID: sess.ID})
	v.send(ServerMessage{Type: MsgClear, SessionID: sess.ID})

	// The gate was installed before connect, so every chunk stored after this
	// read is either held by it or carries a sequence above the replay.
	entries, err := g.sessions.RecentOutput(ctx, sess.ID, g.replay)
	if err != nil {
		g.logger.Warn("failed to load terminal replay", zap.String("session_id", sess.ID), zap.Error(err))
	}
	var replayed int64
	if len(entries) > 0 {
		var b strings.Builder
		for _, e := range entries {
			b.WriteString(e.Content)
			if e.Seq > replayed {
				replayed = e.Seq
			}
		}
		v.send(ServerMessage{Type: MsgOutput, SessionID: sess.ID, Data: b.String()})
	}

	gt.release(replayed, func(p []byte) {
		v.send(ServerMessage{Type: MsgOutput, SessionID: sess.ID, Data: string(p)})
	})

	if sess.Status != sessions.StatusLoginRequired && sess.Status != sessions.StatusActive {
		g.setStatus(ctx, sess.ID, sessions.StatusActive)
	}
	return nil
}

// connect resolves the topology once: legacy when the runtime has dialed in
// for the session, proxy when the session names a remote endpoint, local when
// this process owns the PTY. Upstream output is only logged here; viewers
// receive it from the session manager's output notifications.
func (g *Gateway) connect(ctx context.Context, v *viewer, gen uint64, sess *sessions.Session) (upstream, error) {
	if sess.RuntimeSessionID != "" {
		if lc := g.legacy.get(sess.RuntimeSessionID); lc != nil {
			lc.setSession(sess.ID)
			return &legacyUpstream{registry: g.legacy, runtimeSessionID: sess.RuntimeSessionID}, nil
		}
	}

	if sess.UpstreamEndpoint != nil && *sess.UpstreamEndpoint != "" {
		target, err := proxyURL(*sess.UpstreamEndpoint, sess.RuntimeSessionID)
		if err != nil {
			return nil, err
		}
		dctx, cancel := context.WithTimeout(ctx, g.dialTimeout)
		defer cancel()
		return dialProxy(dctx, g.dialer, target,
			func(data []byte) {
				g.logUpstream(v, sess.ID, data, TopologyProxy)
			},
			func(error) {
				if v.dropUpstream(gen) {
					g.releaseWriter(sess.ID, v)
					g.upstreamLost(sess.ID)
				}
			},
			g.logger)
	}

	if g.attacher != nil {
		if att := g.attacher.AttachTerminal(sess.ProcessID); att != nil {
			return newLocalUpstream(att, func(data []byte) {
				g.logUpstream(v, sess.ID, data, TopologyLocal)
			})
		}
	}
	return nil, errNoUpstream
}

// deliver forwards stored output of sessionID through the viewer's gate.
func (v *viewer) deliver(sessionID string, seq int64, data []byte) {
	v.mu.Lock()
	if v.sessionID != sessionID || v.gate == nil {
		v.mu.Unlock()
		return
	}
	gt := v.gate
	v.mu.Unlock()
	gt.deliver(seq, data, func(p []byte) {
		v.send(ServerMessage{Type: MsgOutput, SessionID: sessionID, Data: string(p)})
	})
}

// dropUpstream forgets the upstream of generation gen after it closed on its
// own. It reports whether gen was still current.
func (v *viewer) dropUpstream(gen uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gen != gen {
		return false
	}
	v.up = nil
	return true
}

func (v *viewer) current() (upstream, string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.up, v.sessionID
}

func (v *viewer) input(ctx context.Context, data string) error {
	up, sid := v.current()
	if sid == "" {
		return errors.New("not attached")
	}
	if up == nil {
		return errNoUpstream
	}
	if data == "" {
		return nil
	}
	v.g.metrics.ObserveTerminalMessage("viewer", string(up.topology()))
	if err := up.write([]byte(data)); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	if err := v.g.sessions.AppendLog(ctx, sid, sessions.LogStdin, data); err != nil {
		v.g.logger.Warn("failed to log terminal input", zap.String("session_id", sid), zap.Error(err))
	}
	return nil
}

func (v *viewer) resize(ctx context.Context, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid size %dx%d", cols, rows)
	}
	up, sid := v.current()
	if sid == "" {
		return errors.New("not attached")
	}
	if up == nil {
		return errNoUpstream
	}
	if err := up.resize(cols, rows); err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	if err := v.g.sessions.Resize(ctx, sid, cols, rows); err != nil {
		v.g.logger.Warn("failed to store terminal size", zap.String("session_id", sid), zap.Error(err))
	}
	return nil
}

// detach tears down the owned upstream and clears the attached marker.
func (v *viewer) detach(ctx context.Context) {
	v.mu.Lock()
	up, sid, gt := v.up, v.sessionID, v.gate
	v.gen++
	v.up = nil
	v.gate = nil
	v.sessionID, v.processID, v.runtimeSessionID = "", "", ""
	v.mu.Unlock()

	if gt != nil {
		gt.close()
	}
	if up != nil {
		up.close()
	}
	if sid == "" {
		return
	}
	v.g.releaseWriter(sid, v)
	if err := v.g.sessions.ClearAttached(ctx, sid, v.userID); err != nil && !errors.Is(err, sessions.ErrNotFound) {
		v.g.logger.Warn("failed to clear attached viewer", zap.String("session_id", sid), zap.Error(err))
	}
}

func (v *viewer) attachedTo(sessionID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sessionID == sessionID
}

func (v *viewer) attachedToProcess(processID string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sessionID, v.sessionID != "" && v.processID == processID
}

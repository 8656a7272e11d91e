package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/runtime"
)

// Topology names how a viewer reaches the agent terminal.
type Topology string

const (
	TopologyLegacy Topology = "legacy"
	TopologyProxy  Topology = "proxy"
	TopologyLocal  Topology = "local"
)

var errNoUpstream = errors.New("no terminal upstream available")

// upstream is one viewer's connection to the terminal, resolved once per
// attach. close is idempotent.
type upstream interface {
	topology() Topology
	write(data []byte) error
	resize(cols, rows int) error
	close()
}

// localUpstream wraps a PTY attachment in this process.
type localUpstream struct {
	att   runtime.Attachment
	unsub func()
	once  sync.Once
}

func newLocalUpstream(att runtime.Attachment, onData func([]byte)) (*localUpstream, error) {
	unsub, err := att.OnData(onData)
	if err != nil {
		return nil, err
	}
	return &localUpstream{att: att, unsub: unsub}, nil
}

func (u *localUpstream) topology() Topology          { return TopologyLocal }
func (u *localUpstream) write(data []byte) error     { return u.att.Write(data) }
func (u *localUpstream) resize(cols, rows int) error { return u.att.Resize(cols, rows) }
func (u *localUpstream) close()                      { u.once.Do(u.unsub) }

// proxyUpstream is an outbound WebSocket to a remote runtime's terminal
// endpoint. Frames from the runtime are forwarded verbatim.
type proxyUpstream struct {
	conn    *gorillaws.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// proxyURL maps an http(s) runtime endpoint to its terminal WebSocket URL.
func proxyURL(endpoint, runtimeSessionID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("parse upstream endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported upstream scheme %q", u.Scheme)
	}
	return u.String() + "/terminal/" + url.PathEscape(runtimeSessionID), nil
}

// dialProxy connects and starts the read loop. onData receives every frame;
// onClose runs once when the runtime side goes away, but not after close().
func dialProxy(ctx context.Context, dialer *gorillaws.Dialer, target string, onData func([]byte), onClose func(error), log *logger.Logger) (*proxyUpstream, error) {
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	u := &proxyUpstream{conn: conn}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				u.mu.Lock()
				closed := u.closed
				u.closed = true
				u.mu.Unlock()
				_ = conn.Close()
				if !closed {
					log.Debug("proxy upstream closed", zap.String("target", target), zap.Error(err))
					onClose(err)
				}
				return
			}
			onData(data)
		}
	}()
	return u, nil
}

func (u *proxyUpstream) topology() Topology { return TopologyProxy }

func (u *proxyUpstream) write(data []byte) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	_ = u.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return u.conn.WriteMessage(gorillaws.BinaryMessage, data)
}

func (u *proxyUpstream) resize(cols, rows int) error {
	return u.writeControl(cols, rows)
}

func (u *proxyUpstream) writeControl(cols, rows int) error {
	payload, err := json.Marshal(controlMessage{Type: MsgResize, Cols: cols, Rows: rows})
	if err != nil {
		return err
	}
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	_ = u.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return u.conn.WriteMessage(gorillaws.TextMessage, payload)
}

func (u *proxyUpstream) close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	u.mu.Unlock()
	u.writeMu.Lock()
	_ = u.conn.WriteControl(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""), time.Now().Add(time.Second))
	u.writeMu.Unlock()
	_ = u.conn.Close()
}

// legacyUpstream routes through the registry of inbound runtime connections.
// The runtime may reconnect, so every write looks the connection up again.
type legacyUpstream struct {
	registry         *legacyRegistry
	runtimeSessionID string
}

func (u *legacyUpstream) topology() Topology { return TopologyLegacy }

func (u *legacyUpstream) write(data []byte) error {
	lc := u.registry.get(u.runtimeSessionID)
	if lc == nil {
		return errNoUpstream
	}
	return lc.write(gorillaws.BinaryMessage, data)
}

func (u *legacyUpstream) resize(cols, rows int) error {
	lc := u.registry.get(u.runtimeSessionID)
	if lc == nil {
		return errNoUpstream
	}
	payload, err := json.Marshal(controlMessage{Type: MsgResize, Cols: cols, Rows: rows})
	if err != nil {
		return err
	}
	return lc.write(gorillaws.TextMessage, payload)
}

// Viewers don't own the runtime connection; close only detaches.
func (u *legacyUpstream) close() {}

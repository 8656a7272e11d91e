package terminal

import "sync"

type chunk struct {
	seq  int64
	data []byte
}

// gate orders live output against a viewer's replay. Chunks carry the log
// sequence number they were stored under; anything at or below the replay's
// highest sequence is already on screen and is dropped. A zero sequence means
// the chunk was never stored and is always forwarded.
type gate struct {
	mu      sync.Mutex
	open    bool
	shut    bool
	floor   int64
	pending []chunk
}

// deliver forwards data through send, or holds it until release.
func (g *gate) deliver(seq int64, data []byte, send func([]byte)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shut || (seq > 0 && seq <= g.floor) {
		return
	}
	if !g.open {
		g.pending = append(g.pending, chunk{seq: seq, data: append([]byte(nil), data...)})
		return
	}
	if seq > 0 {
		g.floor = seq
	}
	send(data)
}

// release raises the floor to replayed, flushes held chunks above it and
// opens the gate. Flushing happens under the gate lock so nothing live can
// overtake it.
func (g *gate) release(replayed int64, send func([]byte)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shut {
		return
	}
	if replayed > g.floor {
		g.floor = replayed
	}
	for _, c := range g.pending {
		if c.seq > 0 && c.seq <= g.floor {
			continue
		}
		if c.seq > 0 {
			g.floor = c.seq
		}
		send(c.data)
	}
	g.pending = nil
	g.open = true
}

// close stops all further delivery.
func (g *gate) close() {
	g.mu.Lock()
	g.shut = true
	g.pending = nil
	g.mu.Unlock()
}

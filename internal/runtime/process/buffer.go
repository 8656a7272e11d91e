package process

import (
	"bytes"
	"regexp"
	"strings"
	"sync"
	"time"
)

// OutputChunk is one read from the PTY.
type OutputChunk struct {
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ringBuffer keeps the most recent output up to maxBytes, evicting the oldest
// chunks first.
type ringBuffer struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	chunks   []OutputChunk
}

const defaultBufferBytes = 2 * 1024 * 1024

func newRingBuffer(maxBytes int64) *ringBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultBufferBytes
	}
	return &ringBuffer{maxBytes: maxBytes}
}

func (b *ringBuffer) append(chunk OutputChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, chunk)
	b.size += int64(len(chunk.Data))
	for b.size > b.maxBytes && len(b.chunks) > 1 {
		b.size -= int64(len(b.chunks[0].Data))
		b.chunks = b.chunks[1:]
	}
}

func (b *ringBuffer) snapshot() []OutputChunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]OutputChunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

func (b *ringBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var buf bytes.Buffer
	buf.Grow(int(b.size))
	for _, c := range b.chunks {
		buf.WriteString(c.Data)
	}
	return buf.Bytes()
}

// lines returns up to limit of the most recent non-empty lines, ANSI-stripped.
// limit <= 0 returns every line.
func (b *ringBuffer) lines(limit int) []string {
	text := StripANSI(string(b.bytes()))
	raw := strings.Split(text, "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimRight(line, "\r \t")
		// A carriage return without newline redraws the line; keep the last frame.
		if i := strings.LastIndexByte(line, '\r'); i >= 0 {
			line = line[i+1:]
		}
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[PX^_][^\x1b]*\x1b\\|\x1b[@-Z\\-_]`)

// StripANSI removes CSI, OSC and other escape sequences.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// containsDSRQuery reports whether data asks for the cursor position.
func containsDSRQuery(data []byte) bool {
	return bytes.Contains(data, []byte("\x1b[6n")) || bytes.Contains(data, []byte("\x1b[?6n"))
}

// containsDA1Query reports whether data asks for primary device attributes
// (ESC [ c or ESC [ 0 c). ESC [ 1-9 c is cursor movement and is ignored.
func containsDA1Query(data []byte) bool {
	return bytes.Contains(data, []byte("\x1b[c")) || bytes.Contains(data, []byte("\x1b[0c"))
}

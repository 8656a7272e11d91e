package process

import "io"

// PtyHandle abstracts the PTY master on Unix (creack/pty) and Windows (ConPTY).
type PtyHandle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}

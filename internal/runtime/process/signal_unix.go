//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// waitExit reaps cmd. err is non-nil only when the wait itself failed, not
// for a non-zero exit.
func waitExit(cmd *exec.Cmd) (exitCode int, signal string, err error) {
	werr := cmd.Wait()
	if werr == nil {
		return 0, "", nil
	}
	var exitErr *exec.ExitError
	if !errors.As(werr, &exitErr) {
		return -1, "", werr
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), ws.Signal().String(), nil
	}
	return exitErr.ExitCode(), "", nil
}

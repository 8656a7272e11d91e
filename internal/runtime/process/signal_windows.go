//go:build windows

package process

import (
	"os"
	"os/exec"
)

// Windows has no SIGTERM; termination is immediate.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}

func waitExit(cmd *exec.Cmd) (exitCode int, signal string, err error) {
	state, err := cmd.Process.Wait()
	if err != nil {
		return -1, "", err
	}
	return state.ExitCode(), "", nil
}

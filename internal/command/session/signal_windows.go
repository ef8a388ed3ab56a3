//go:build windows

package session

import (
	"errors"
	"os"
	"os/exec"
)

// terminateProcess kills the process. Windows has no SIGTERM.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}

func exitStatus(waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return 1, waitErr
	}
	return exitErr.ExitCode(), nil
}

//go:build !windows

package session

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// exitStatus converts the error from cmd.Wait into an exit code. A process
// killed by a signal reports 128+signal. The returned error is non-nil only
// when the wait itself failed, as opposed to the process exiting non-zero.
func exitStatus(waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return 1, waitErr
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode(), nil
	}
	if status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return status.ExitStatus(), nil
}

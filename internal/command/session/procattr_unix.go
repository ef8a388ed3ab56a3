//go:build unix && !linux

package session

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the command in its own process group. Pdeathsig is not
// available off Linux, so orphans are only reaped by an explicit Cancel.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

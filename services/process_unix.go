//go:build unix

package services

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts the converter in its own process group so a timeout
// can take down any helpers it forked.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the process group (negative PID).
func killProcessGroup(pid int) {
	// Best-effort; WaitDelay kills the leader if this fails
	_ = unix.Kill(-pid, unix.SIGKILL)
}

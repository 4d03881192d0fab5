//go:build windows

package services

import (
	"os/exec"
	"strconv"
)

func setProcessGroup(*exec.Cmd) {}

// killProcessGroup kills a process and all its children using taskkill.
// /F = force kill, /T = terminate child processes (tree kill).
func killProcessGroup(pid int) {
	_ = exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}

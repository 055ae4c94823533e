//go:build !windows

package workerhost

import (
	"os"
	"os/exec"
	"syscall"
)

// isProcessAlive checks if a process with the given PID is still running.
// Sending signal 0 performs no action but still reports ESRCH if the PID is
// gone, which is the cheapest liveness probe available without a child
// relationship to the process.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// terminateProcess sends SIGTERM, giving the worker a chance to run its own
// graceful shutdown path before a later force_kill resorts to SIGKILL.
func terminateProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}

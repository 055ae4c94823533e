//go:build windows

package workerhost

import (
	"os/exec"

	"golang.org/x/sys/windows"
)

// isProcessAlive checks if a process with the given PID is still running.
// On Windows, we use OpenProcess to check if the process exists.
func isProcessAlive(pid int) bool {
	const processQueryLimitedInformation = 0x1000

	handle, err := windows.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}

	const stillActive = 259
	return exitCode == stillActive
}

// terminateProcess has no SIGTERM equivalent on Windows; the closest
// available graceful signal is none, so this falls straight through to
// Kill. force_kill and terminate therefore converge on this platform.
func terminateProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

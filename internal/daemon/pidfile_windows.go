//go:build windows

package daemon

import "os"

// alive reports whether a process with the pid can be opened. On Windows
// FindProcess fails for pids that no longer exist.
func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	defer func() { _ = proc.Release() }()
	return true
}

// terminate kills the process outright; Windows has no SIGTERM equivalent
// for a detached daemon.
func terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	defer func() { _ = proc.Release() }()
	return proc.Kill()
}

//go:build !windows

package daemon

import "syscall"

// alive probes the pid with signal 0, which tests for existence without
// delivering anything.
func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// terminate sends SIGTERM so the daemon runs its normal shutdown path.
func terminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

//go:build !windows

package session

import (
	"syscall"
	"time"
)

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// killProcessTree terminates the process group rooted at pid, escalating
// from SIGTERM to SIGKILL after the grace period.
func killProcessTree(pid int, grace time.Duration) {
	if pid <= 0 {
		return
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid <= 0 {
		_ = syscall.Kill(pid, syscall.SIGKILL)
		return
	}
	// Negative PGID targets the full process group (browser + helpers).
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	if grace > 0 {
		time.Sleep(grace)
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

//go:build windows

package fleet

import (
	"os"
	"os/exec"
	"time"
)

func configureWorkerProcess(_ *exec.Cmd) {}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}

func killProcessTree(pid int, _ time.Duration) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Kill()
}

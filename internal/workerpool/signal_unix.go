//go:build linux || darwin
// +build linux darwin

package workerpool

import (
	"os"
	"syscall"
)

// sendTerminate asks the worker's persistent shell to exit, the polite
// way; the caller escalates to SIGKILL after the grace period.
func sendTerminate(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}

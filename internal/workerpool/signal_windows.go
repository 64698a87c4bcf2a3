//go:build windows
// +build windows

package workerpool

import "os"

// sendTerminate has no graceful-signal equivalent for os/exec on Windows,
// so termination goes straight to Kill; the caller's grace-period wait
// still applies but will return immediately once Kill lands.
func sendTerminate(proc *os.Process) error {
	return proc.Kill()
}

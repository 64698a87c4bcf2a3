//go:build darwin
// +build darwin

package workerpool

import (
	"os/exec"
	"strconv"
	"strings"
)

// processRSSForPID shells out to ps, since Darwin has no /proc filesystem
// and reading another process's rusage requires either cgo or a syscall
// surface os/exec doesn't expose.
func processRSSForPID(pid int) int64 {
	out, err := exec.Command("ps", "-o", "rss=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return 0
	}
	kb, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0
	}
	return kb * 1024
}

//go:build !linux

package processreg

import gops "github.com/mitchellh/go-ps"

// getParentPID resolves the parent PID via go-ps, replacing the
// teacher's "ps -o ppid=" shell-out (backend/internal/monitor/tmux_other.go)
// with a library call for the same platform fallback.
func getParentPID(pid int) int {
	proc, err := gops.FindProcess(pid)
	if err != nil || proc == nil {
		return 0
	}
	return proc.PPid()
}

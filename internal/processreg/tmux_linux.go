//go:build linux

package processreg

import (
	"fmt"
	"os"
)

// getParentPID reads /proc/<pid>/stat directly, avoiding a process-
// listing shell-out on the platform that already exposes /proc.
func getParentPID(pid int) int {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	return parseParentPID(string(data))
}

//go:build !linux

package processreg

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// listDiscoverer invokes a process-listing utility (spec.md §4.6: "On
// other systems: invoke a process-listing utility, parse command lines
// similarly, and resolve working directories via an open-file listing
// utility") via gopsutil, which wraps exactly that on Darwin/BSD/Windows.
type listDiscoverer struct {
	binaryName string
}

func newDiscoverer(binaryName string) discoverer {
	return listDiscoverer{binaryName: binaryName}
}

func (d listDiscoverer) discover() ([]rawProcess, error) {
	procs, err := gopsprocess.Processes()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	var out []rawProcess
	for _, p := range procs {
		cmdline, err := p.CmdlineSlice()
		if err != nil || len(cmdline) == 0 {
			continue
		}
		if !isAssistantProcess(cmdline, d.binaryName) {
			continue
		}

		cwd, err := p.Cwd()
		if err != nil {
			continue
		}

		started := time.Time{}
		if ms, err := p.CreateTime(); err == nil {
			started = time.UnixMilli(ms)
		}

		out = append(out, rawProcess{
			PID:        int(p.Pid),
			WorkingDir: cwd,
			StartedAt:  started,
			CmdLine:    cmdline,
		})
	}
	return out, nil
}

// isAssistantProcess matches either the binary directly, or a
// node-hosted invocation that names it.
func isAssistantProcess(cmdline []string, binaryName string) bool {
	if len(cmdline) == 0 {
		return false
	}
	exe := filepath.Base(cmdline[0])
	if exe == binaryName {
		return true
	}
	if exe == "node" {
		for _, part := range cmdline[1:] {
			if strings.Contains(part, binaryName) && !strings.Contains(part, "node_modules/.bin") {
				return true
			}
		}
	}
	return false
}

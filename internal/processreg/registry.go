package processreg

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cmericli/claude-remote/internal/clock"
)

// cacheTTL bounds the syscall rate a caller can drive this package at
// (spec.md §4.6: "Caches results for 2s").
const cacheTTL = 2 * time.Second

// Registry is the read-only Process Registry. It is safe for
// concurrent use.
type Registry struct {
	logRoot    string
	binaryName string
	muxBinary  string
	clock      clock.Clock

	mu        sync.Mutex
	cachedAt  time.Time
	cached    []ProcessInfo
	discoverr discoverer
}

// New constructs a Registry. logRoot is the session-log tree used to
// resolve a bare `--continue` process to its most recently touched
// session; binaryName/muxBinary name the assistant and mux binaries to
// match against process command lines.
func New(logRoot, binaryName, muxBinary string, clk clock.Clock) *Registry {
	return &Registry{
		logRoot:    logRoot,
		binaryName: binaryName,
		muxBinary:  muxBinary,
		clock:      clk,
		discoverr:  newDiscoverer(binaryName),
	}
}

// Sessions returns the current set of live assistant processes mapped
// to session ids, using the cached scan if it's still fresh.
func (r *Registry) Sessions() ([]ProcessInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if !r.cachedAt.IsZero() && now.Sub(r.cachedAt) < cacheTTL {
		return r.cached, nil
	}

	raws, err := r.discoverr.discover()
	if err != nil {
		return r.cached, err
	}

	resolver := newTmuxResolver(r.muxBinary)

	out := make([]ProcessInfo, 0, len(raws))
	for _, raw := range raws {
		sessionID := resolveSessionID(raw.CmdLine, raw.WorkingDir, r.logRoot)
		if sessionID == "" {
			continue
		}
		info := ProcessInfo{
			PID:        raw.PID,
			SessionID:  sessionID,
			WorkingDir: raw.WorkingDir,
			StartedAt:  raw.StartedAt,
		}
		if target, ok := resolver.resolve(raw.PID); ok {
			info.MuxTarget = target
		}
		out = append(out, info)
	}

	r.cached = out
	r.cachedAt = now
	return out, nil
}

// IsRunning reports whether sessionID currently has a live process,
// and if so, whether it's hosted inside a mux session.
func (r *Registry) IsRunning(sessionID string) (running bool, muxTarget string) {
	sessions, err := r.Sessions()
	if err != nil {
		return false, ""
	}
	for _, s := range sessions {
		if s.SessionID == sessionID {
			return true, s.MuxTarget
		}
	}
	return false, ""
}

// resolveSessionID extracts a session id from a process's command
// line, falling back to the most recently modified session log in the
// process's project directory when the command uses --continue or
// carries no id at all (spec.md §4.6).
func resolveSessionID(cmdline []string, workingDir, logRoot string) string {
	for i, arg := range cmdline {
		if (arg == "--resume" || arg == "--session-id") && i+1 < len(cmdline) {
			return cmdline[i+1]
		}
		if strings.HasPrefix(arg, "--resume=") {
			return strings.TrimPrefix(arg, "--resume=")
		}
		if strings.HasPrefix(arg, "--session-id=") {
			return strings.TrimPrefix(arg, "--session-id=")
		}
	}
	return mostRecentSessionID(workingDir, logRoot)
}

// projectLogDir maps a working directory to its session-log
// subdirectory under logRoot, following the assistant's convention of
// flattening the absolute path with "-" in place of "/".
func projectLogDir(workingDir, logRoot string) string {
	flattened := strings.ReplaceAll(strings.Trim(workingDir, string(filepath.Separator)), string(filepath.Separator), "-")
	return filepath.Join(logRoot, "-"+flattened)
}

// mostRecentSessionID returns the basename (sans extension) of the
// most recently modified *.jsonl file in workingDir's project log
// directory, or "" if none exists.
func mostRecentSessionID(workingDir, logRoot string) string {
	dir := projectLogDir(workingDir, logRoot)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var bestName string
	var bestModTime time.Time
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(bestModTime) {
			bestModTime = info.ModTime()
			bestName = e.Name()
		}
	}
	if bestName == "" {
		return ""
	}
	return strings.TrimSuffix(bestName, filepath.Ext(bestName))
}

// Package processreg implements the platform-adaptive Process Registry
// from spec.md §4.6: it maps running assistant processes to session
// ids and reports whether each is hosted inside a terminal
// multiplexer session. It is read-only — it never signals a process —
// and caches its scan for a short window to bound syscall rate.
// Grounded on the teacher's backend/internal/monitor/process.go
// (/proc cmdline+cwd discovery, cleaned up for command-line flag
// extraction instead of a fixed binary allowlist) and tmux.go (the
// TmuxResolver pane-PID walk), re-targeted from "is this an agent
// process at all" to "which session id does this process belong to".
package processreg

import "time"

// ProcessInfo describes one running assistant process mapped to a
// session id (spec.md §4.6).
type ProcessInfo struct {
	PID        int
	SessionID  string
	WorkingDir string
	StartedAt  time.Time
	MuxTarget  string // non-empty when hosted inside a mux pane
}

// HostedInMux reports whether this process runs inside a mux session.
func (p ProcessInfo) HostedInMux() bool {
	return p.MuxTarget != ""
}

// discoverer is the platform capability selected at startup: it lists
// candidate assistant processes with enough detail for session-id
// resolution. Implemented per-platform in discover_linux.go and
// discover_other.go.
type discoverer interface {
	discover() ([]rawProcess, error)
}

// rawProcess is a platform-neutral process sighting, before session-id
// resolution (which needs the flag-parsing + log-directory lookup
// logic shared across platforms).
type rawProcess struct {
	PID        int
	WorkingDir string
	StartedAt  time.Time
	CmdLine    []string // argv, in order, argv[0] is the binary
}

// Package mux implements the Mux Controller from spec.md §4.7: an
// abstraction over an external terminal multiplexer that can create a
// named detached session running a command, list sessions, attach to
// one as a bidirectional pseudo-terminal byte stream, inject text
// without attaching, and terminate a session (kill-session, retried
// once after a grace period). Grounded on wingedpig-trellis's terminal.Manager/TmuxExecutor
// split (internal/terminal/tmux.go) for the command-shape, and its
// WebSocket attach handler (internal/api/handlers/terminal.go) for the
// PTY-pump idiom, since the teacher itself has no PTY-bridging code.
package mux

import (
	"errors"
	"time"
)

// ErrNotFound is returned by operations addressing an unknown mux
// session name (spec.md §4.7).
var ErrNotFound = errors.New("mux: session not found")

// Session describes one extant mux session.
type Session struct {
	Name       string
	WorkingDir string
	Command    []string
	CreatedAt  time.Time
}

// JoinOutcome classifies the result of Join (spec.md §4.7).
type JoinOutcome string

const (
	JoinAttached      JoinOutcome = "attached"
	JoinRunningNoTmux JoinOutcome = "running_no_tmux"
	JoinCreated       JoinOutcome = "created"
)

// JoinResult is Join's return value.
type JoinResult struct {
	Outcome JoinOutcome
	MuxName string
	Message string // human-readable, set for running_no_tmux
}

// Size is a terminal's rows x cols, used by create/attach/resize.
type Size struct {
	Rows int
	Cols int
}

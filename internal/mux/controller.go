package mux

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cmericli/claude-remote/internal/processreg"
)

// sessionRunner reports whether a session id currently has a live
// assistant process, matching internal/processreg.Registry's shape.
// Declared here (not imported directly as *processreg.Registry) so
// Controller tests can substitute a fake without starting real
// processes.
type sessionRunner interface {
	IsRunning(sessionID string) (running bool, muxTarget string)
}

var _ sessionRunner = (*processreg.Registry)(nil)

// Controller is the Mux Controller (spec.md §4.7): it owns the mapping
// from assistant session ids to mux session names it created, and
// drives an executor to create/list/attach/inject/terminate them.
type Controller struct {
	exec            executor
	muxBinary       string
	assistantBinary string
	namePrefix      string
	terminateGrace  time.Duration
	registry        sessionRunner

	mu        sync.Mutex
	bySession map[string]string // session id -> mux name, for sessions this Controller created
}

// New constructs a Controller. muxBinary/assistantBinary/namePrefix
// and the terminate grace period come from config.MuxConfig.
func New(muxBinary, assistantBinary, namePrefix string, commandTimeout, terminateGrace time.Duration, registry sessionRunner) *Controller {
	return &Controller{
		exec:            newTmuxExecutor(muxBinary, commandTimeout),
		muxBinary:       muxBinary,
		assistantBinary: assistantBinary,
		namePrefix:      namePrefix,
		terminateGrace:  terminateGrace,
		registry:        registry,
		bySession:       make(map[string]string),
	}
}

func (c *Controller) muxName(sessionID string) string {
	return c.namePrefix + sessionID
}

// Create starts a detached mux session running command in workingDir
// at the given size (spec.md §4.7).
func (c *Controller) Create(ctx context.Context, name, workingDir string, command []string, size Size) (Session, error) {
	if err := c.exec.newSession(ctx, name, workingDir, command); err != nil {
		return Session{}, err
	}
	if size.Rows > 0 && size.Cols > 0 {
		_ = c.exec.resize(ctx, name, size)
	}
	return Session{Name: name, WorkingDir: workingDir, Command: command}, nil
}

// List returns the names of extant mux sessions.
func (c *Controller) List(ctx context.Context) ([]string, error) {
	return c.exec.listSessions(ctx)
}

// Join implements the three-way decision of spec.md §4.7: attached if
// the Process Registry reports the session already inside a mux, a
// message if it's running bare, or a freshly created mux session if
// it's not running at all.
func (c *Controller) Join(ctx context.Context, sessionID, workingDir string, size Size) (JoinResult, error) {
	if running, muxTarget := c.registry.IsRunning(sessionID); running {
		if muxTarget != "" {
			return JoinResult{Outcome: JoinAttached, MuxName: muxSessionFromTarget(muxTarget)}, nil
		}
		return JoinResult{
			Outcome: JoinRunningNoTmux,
			Message: fmt.Sprintf("session %s is running outside a mux session and cannot be attached to", sessionID),
		}, nil
	}

	name := c.muxName(sessionID)
	command := []string{c.assistantBinary, "--resume", sessionID}
	if _, err := c.Create(ctx, name, workingDir, command, size); err != nil {
		return JoinResult{}, err
	}

	c.mu.Lock()
	c.bySession[sessionID] = name
	c.mu.Unlock()

	return JoinResult{Outcome: JoinCreated, MuxName: name}, nil
}

// Attach opens a pseudo-terminal pipe to muxName at the given size.
func (c *Controller) Attach(ctx context.Context, muxName string, size Size) (*AttachPipe, error) {
	if !c.exec.hasSession(ctx, muxName) {
		return nil, ErrNotFound
	}
	return attach(c.muxBinary, muxName, size)
}

// Inject appends text to muxName's input without attaching
// (spec.md §4.7). The caller is responsible for any trailing newline.
func (c *Controller) Inject(ctx context.Context, muxName, text string) error {
	if !c.exec.hasSession(ctx, muxName) {
		return ErrNotFound
	}
	return c.exec.sendText(ctx, muxName, text)
}

// Terminate ends muxName with the mux's kill-session command. If that
// command has not returned within the configured grace period, the same
// kill-session is issued once more under a fresh context. There is no
// separate, gentler request before kill-session.
func (c *Controller) Terminate(ctx context.Context, muxName string) error {
	if !c.exec.hasSession(ctx, muxName) {
		return ErrNotFound
	}

	done := make(chan error, 1)
	go func() { done <- c.exec.killSession(ctx, muxName) }()

	select {
	case err := <-done:
		return err
	case <-time.After(c.terminateGrace):
		// kill-session should be near-instant; a grace window this long
		// elapsing means the mux server itself is wedged. Try once more
		// with a fresh context, and surface whatever that returns.
		forceCtx, cancel := context.WithTimeout(context.Background(), c.terminateGrace)
		defer cancel()
		return c.exec.killSession(forceCtx, muxName)
	}
}

// muxSessionFromTarget extracts the mux session name from a
// "session:window.pane" target string.
func muxSessionFromTarget(target string) string {
	if i := strings.IndexByte(target, ':'); i >= 0 {
		return target[:i]
	}
	return target
}

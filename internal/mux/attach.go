package mux

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// AttachPipe is a bidirectional byte stream to a mux session's pane,
// the "pty_pipe" of spec.md §4.7. Reads yield the pane's output bytes;
// writes are forwarded as terminal input. Resize is out-of-band and
// doesn't interrupt the stream.
type AttachPipe struct {
	ptmx *os.File
	cmd  *exec.Cmd

	closeOnce sync.Once
	closeErr  error
}

// attach starts `tmux attach -t name` under a PTY at the given size.
// Grounded on wingedpig-trellis's handleRemoteTerminal PTY-start idiom
// (internal/api/handlers/terminal.go), applied to attaching an
// existing mux session rather than a one-shot SSH command.
func attach(muxBinary, name string, size Size) (*AttachPipe, error) {
	cmd := exec.Command(muxBinary, "attach-session", "-t", name)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(size.Rows),
		Cols: uint16(size.Cols),
	})
	if err != nil {
		return nil, fmt.Errorf("mux attach: starting pty: %w", err)
	}
	return &AttachPipe{ptmx: ptmx, cmd: cmd}, nil
}

// Read implements io.Reader over the pane's output.
func (a *AttachPipe) Read(p []byte) (int, error) {
	return a.ptmx.Read(p)
}

// Write implements io.Writer, forwarding bytes as terminal input.
func (a *AttachPipe) Write(p []byte) (int, error) {
	return a.ptmx.Write(p)
}

// Resize applies an out-of-band size change without tearing down the
// pipe (spec.md §4.7: "MUST support resize without tearing down").
func (a *AttachPipe) Resize(size Size) error {
	return pty.Setsize(a.ptmx, &pty.Winsize{
		Rows: uint16(size.Rows),
		Cols: uint16(size.Cols),
	})
}

// Close releases the PTY. It does not terminate the underlying mux
// session — detaching is not terminating.
func (a *AttachPipe) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.ptmx.Close()
		if a.cmd.Process != nil {
			// attach-session's local process is just the tmux client;
			// killing it detaches without affecting the session.
			_ = a.cmd.Process.Kill()
			_, _ = a.cmd.Process.Wait()
		}
	})
	return a.closeErr
}

// Wait blocks until the local tmux client process exits (detach,
// Ctrl-b d, or the session itself ending). Callers typically run this
// in its own goroutine alongside the Read/Write pump.
func (a *AttachPipe) Wait() error {
	return a.cmd.Wait()
}

package processreg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cmericli/claude-remote/internal/clock"
)

func TestResolveSessionIDFromResumeFlag(t *testing.T) {
	got := resolveSessionID([]string{"claude", "--resume", "sess-xyz"}, "/home/u/proj", "/logs")
	if got != "sess-xyz" {
		t.Fatalf("expected sess-xyz, got %q", got)
	}
}

func TestResolveSessionIDFromSessionIDEqualsFlag(t *testing.T) {
	got := resolveSessionID([]string{"claude", "--session-id=abc123"}, "/home/u/proj", "/logs")
	if got != "abc123" {
		t.Fatalf("expected abc123, got %q", got)
	}
}

func TestResolveSessionIDFallsBackToMostRecentLog(t *testing.T) {
	root := t.TempDir()
	workingDir := "/home/u/myproj"
	projDir := projectLogDir(workingDir, root)
	if err := os.MkdirAll(projDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	older := filepath.Join(projDir, "old-session.jsonl")
	newer := filepath.Join(projDir, "new-session.jsonl")
	if err := os.WriteFile(older, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(newer, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := resolveSessionID([]string{"claude", "--continue"}, workingDir, root)
	if got != "new-session" {
		t.Fatalf("expected new-session, got %q", got)
	}
}

func TestResolveSessionIDEmptyWhenNoLogsExist(t *testing.T) {
	got := resolveSessionID([]string{"claude"}, "/nowhere", t.TempDir())
	if got != "" {
		t.Fatalf("expected empty session id, got %q", got)
	}
}

func TestIsAssistantProcessMatchesDirectBinary(t *testing.T) {
	if !isAssistantProcess([]string{"claude", "--resume", "x"}, "claude") {
		t.Fatal("expected direct binary match")
	}
}

func TestIsAssistantProcessMatchesNodeHosted(t *testing.T) {
	if !isAssistantProcess([]string{"node", "/usr/lib/node_modules/claude/cli.js"}, "claude") {
		t.Fatal("expected node-hosted match")
	}
}

func TestIsAssistantProcessIgnoresUnrelatedNodeBin(t *testing.T) {
	if isAssistantProcess([]string{"node", "/usr/bin/node_modules/.bin/claude"}, "claude") {
		t.Fatal("expected node_modules/.bin path to be excluded")
	}
}

func TestIsAssistantProcessRejectsOtherBinaries(t *testing.T) {
	if isAssistantProcess([]string{"bash", "-c", "claude"}, "claude") {
		t.Fatal("expected bash invocation not to match")
	}
}

func TestParseTmuxPanes(t *testing.T) {
	out := "1234\tmain\t2\t0\n5678\tside\t0\t1\n"
	panes := parseTmuxPanes(out)
	if len(panes) != 2 {
		t.Fatalf("expected 2 panes, got %d", len(panes))
	}
	if panes[0].target != "main:2.0" || panes[0].panePID != 1234 {
		t.Fatalf("unexpected pane: %+v", panes[0])
	}
	if panes[1].target != "side:0.1" || panes[1].panePID != 5678 {
		t.Fatalf("unexpected pane: %+v", panes[1])
	}
}

func TestParseParentPID(t *testing.T) {
	stat := "1234 (claude code) S 999 1234 1234 0 -1 4194560"
	if got := parseParentPID(stat); got != 999 {
		t.Fatalf("expected ppid 999, got %d", got)
	}
}

type fakeDiscoverer struct {
	calls int
	procs []rawProcess
}

func (f *fakeDiscoverer) discover() ([]rawProcess, error) {
	f.calls++
	return f.procs, nil
}

func TestRegistryCachesWithinTTL(t *testing.T) {
	fake := clock.NewFake(time.Now())
	fd := &fakeDiscoverer{procs: []rawProcess{
		{PID: 1, WorkingDir: t.TempDir(), CmdLine: []string{"claude", "--resume", "s1"}},
	}}
	r := &Registry{logRoot: "/logs", binaryName: "claude", clock: fake, discoverr: fd}

	if _, err := r.Sessions(); err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if _, err := r.Sessions(); err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if fd.calls != 1 {
		t.Fatalf("expected discoverer called once within TTL, got %d calls", fd.calls)
	}

	fake.Advance(3 * time.Second)
	if _, err := r.Sessions(); err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if fd.calls != 2 {
		t.Fatalf("expected a second discover call after TTL expiry, got %d calls", fd.calls)
	}
}

func TestRegistryIsRunningMatchesDiscoveredSession(t *testing.T) {
	fake := clock.NewFake(time.Now())
	fd := &fakeDiscoverer{procs: []rawProcess{
		{PID: 1, WorkingDir: "/proj", CmdLine: []string{"claude", "--resume", "s1"}},
	}}
	r := &Registry{logRoot: "/logs", binaryName: "claude", clock: fake, discoverr: fd}

	running, _ := r.IsRunning("s1")
	if !running {
		t.Fatal("expected s1 to be reported running")
	}
	running, _ = r.IsRunning("unknown")
	if running {
		t.Fatal("expected unknown session to be reported not running")
	}
}

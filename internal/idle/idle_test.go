package idle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cmericli/claude-remote/internal/clock"
	"github.com/cmericli/claude-remote/internal/eventbus"
	"github.com/cmericli/claude-remote/internal/store"
)

func newTestDetector(t *testing.T) (*Detector, *store.Store, *eventbus.Bus, *clock.Fake) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "idle.db")
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	st, err := store.Open(dbPath, fake)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New()
	d := New(st, bus, fake, time.Hour, 30*time.Second, 5*time.Minute)
	return d, st, bus, fake
}

func appendAssistantMessage(t *testing.T, st *store.Store, sessionID string, ts time.Time, uuid string) {
	t.Helper()
	meta := store.SessionMeta{SessionID: sessionID, Slug: "demo", Timestamp: ts}
	rec := store.MessageRecord{UUID: uuid, Role: store.RoleAssistant, Body: "working on it", Timestamp: ts}
	if err := st.AppendMessages(context.Background(), meta, []store.MessageRecord{rec}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
}

func appendUserMessage(t *testing.T, st *store.Store, sessionID string, ts time.Time, uuid string) {
	t.Helper()
	meta := store.SessionMeta{SessionID: sessionID, Slug: "demo", Timestamp: ts}
	rec := store.MessageRecord{UUID: uuid, Role: store.RoleUser, Body: "go ahead", Timestamp: ts}
	if err := st.AppendMessages(context.Background(), meta, []store.MessageRecord{rec}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
}

// TestIdleDetectorPublishesAfterThresholdAndCoolsDown mirrors spec.md's
// S3 scenario: a lone assistant message, a 35s wait crossing the 30s
// threshold, one needs_input event, then silence through a second
// 30s window (cooldown), then a user reply clears the cooldown.
func TestIdleDetectorPublishesAfterThresholdAndCoolsDown(t *testing.T) {
	d, st, bus, fake := newTestDetector(t)
	sub := bus.Subscribe(GlobalTopic)

	start := fake.Now()
	appendAssistantMessage(t, st, "sess-a", start, "m1")

	fake.Advance(35 * time.Second)
	d.ScanOnce(context.Background())

	select {
	case ev := <-sub.Events():
		n, ok := ev.(NeedsInput)
		if !ok || n.SessionID != "sess-a" {
			t.Fatalf("expected needs_input for sess-a, got %+v", ev)
		}
	default:
		t.Fatal("expected one needs_input event, got none")
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected exactly one event, got extra: %+v", ev)
	default:
	}

	fake.Advance(30 * time.Second)
	d.ScanOnce(context.Background())

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no event during cooldown, got %+v", ev)
	default:
	}

	fake.Set(start.Add(5*time.Minute + 40*time.Second))
	appendUserMessage(t, st, "sess-a", fake.Now(), "m2")
	d.ScanOnce(context.Background())

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no event right after a user reply, got %+v", ev)
	default:
	}
}

func TestIdleDetectorIgnoresSessionsBelowThreshold(t *testing.T) {
	d, st, bus, fake := newTestDetector(t)
	sub := bus.Subscribe(GlobalTopic)

	appendAssistantMessage(t, st, "sess-b", fake.Now(), "m1")
	fake.Advance(10 * time.Second)
	d.ScanOnce(context.Background())

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no event below threshold, got %+v", ev)
	default:
	}
}

func TestIdleDetectorIgnoresSessionsOutsideLookback(t *testing.T) {
	d, st, bus, fake := newTestDetector(t)
	sub := bus.Subscribe(GlobalTopic)

	appendAssistantMessage(t, st, "sess-c", fake.Now(), "m1")
	fake.Advance(25 * time.Hour)
	d.ScanOnce(context.Background())

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no event outside the 24h lookback, got %+v", ev)
	default:
	}
}

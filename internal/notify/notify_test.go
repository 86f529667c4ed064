package notify

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cmericli/claude-remote/internal/clock"
	"github.com/cmericli/claude-remote/internal/eventbus"
	"github.com/cmericli/claude-remote/internal/idle"
	"github.com/cmericli/claude-remote/internal/store"
)

type recordingPort struct {
	mu         sync.Mutex
	calls      []store.PushSubscription
	nextStatus DeliveryStatus
}

func (p *recordingPort) Deliver(_ context.Context, sub store.PushSubscription, _ Payload) DeliveryStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, sub)
	return p.nextStatus
}

func (p *recordingPort) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func newTestDispatcher(t *testing.T, port DeliveryPort, fake *clock.Fake, perSessionCooldown time.Duration, cap int) (*Dispatcher, *store.Store, *eventbus.Bus) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "notify.db")
	st, err := store.Open(dbPath, fake)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New()
	d := New(st, bus, port, fake, perSessionCooldown, cap)
	return d, st, bus
}

func addSub(t *testing.T, st *store.Store, endpoint string) {
	t.Helper()
	if err := st.AddSubscription(context.Background(), store.PushSubscription{Endpoint: endpoint, KeysJSON: "{}"}); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
}

func TestDispatcherDeliversToAllSubscriptions(t *testing.T) {
	fake := clock.NewFake(time.Now())
	port := &recordingPort{nextStatus: DeliveryOK}
	d, st, bus := newTestDispatcher(t, port, fake, time.Minute, 10)
	addSub(t, st, "ep1")
	addSub(t, st, "ep2")

	d.handle(context.Background(), idle.NeedsInput{Type: idle.EventNeedsInput, SessionID: "s1"})

	if port.callCount() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", port.callCount())
	}
	_ = bus
}

func TestDispatcherRespectsPerSessionCooldown(t *testing.T) {
	fake := clock.NewFake(time.Now())
	port := &recordingPort{nextStatus: DeliveryOK}
	d, st, _ := newTestDispatcher(t, port, fake, 5*time.Minute, 10)
	addSub(t, st, "ep1")

	d.handle(context.Background(), idle.NeedsInput{SessionID: "s1"})
	d.handle(context.Background(), idle.NeedsInput{SessionID: "s1"})

	if port.callCount() != 1 {
		t.Fatalf("expected cooldown to suppress the second delivery, got %d calls", port.callCount())
	}

	fake.Advance(6 * time.Minute)
	d.handle(context.Background(), idle.NeedsInput{SessionID: "s1"})
	if port.callCount() != 2 {
		t.Fatalf("expected delivery after cooldown expiry, got %d calls", port.callCount())
	}
}

func TestDispatcherEnforcesGlobalHourlyCap(t *testing.T) {
	fake := clock.NewFake(time.Now())
	port := &recordingPort{nextStatus: DeliveryOK}
	d, st, _ := newTestDispatcher(t, port, fake, 0, 2)
	addSub(t, st, "ep1")

	for i := 0; i < 5; i++ {
		d.handle(context.Background(), idle.NeedsInput{SessionID: "s" + string(rune('a'+i))})
	}

	if port.callCount() != 2 {
		t.Fatalf("expected global cap to stop delivery at 2, got %d", port.callCount())
	}
}

func TestDispatcherDeletesSubscriptionOnPermanentFailure(t *testing.T) {
	fake := clock.NewFake(time.Now())
	port := &recordingPort{nextStatus: DeliveryPermanentError}
	d, st, _ := newTestDispatcher(t, port, fake, time.Minute, 10)
	addSub(t, st, "ep1")

	d.handle(context.Background(), idle.NeedsInput{SessionID: "s1"})

	subs, err := st.ListSubscriptions(context.Background())
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected subscription to be deleted, got %d remaining", len(subs))
	}
}

func TestDispatcherKeepsSubscriptionOnTransientFailure(t *testing.T) {
	fake := clock.NewFake(time.Now())
	port := &recordingPort{nextStatus: DeliveryTransientError}
	d, st, _ := newTestDispatcher(t, port, fake, time.Minute, 10)
	addSub(t, st, "ep1")

	d.handle(context.Background(), idle.NeedsInput{SessionID: "s1"})

	subs, err := st.ListSubscriptions(context.Background())
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected subscription to remain, got %d", len(subs))
	}
}

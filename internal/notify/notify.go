// Package notify implements the Notification Dispatcher from spec.md
// §4.8: it subscribes to needs_input events on the global topic,
// enumerates registered push subscriptions from the Store, and
// delivers through an injected, protocol-agnostic port, subject to a
// per-session cooldown and a global rolling hourly cap. A subscription
// is deleted once its port reports a permanent failure.
// Grounded on the teacher's Broadcaster achievement-dispatch path
// (internal/ws/broadcast.go: BroadcastAchievement -> broadcast),
// redesigned per spec: recipients are persisted subscriptions instead
// of live sockets, delivery goes through DeliveryPort instead of a
// WebSocket write, and permanent failures mutate the Store.
package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cmericli/claude-remote/internal/clock"
	"github.com/cmericli/claude-remote/internal/eventbus"
	"github.com/cmericli/claude-remote/internal/idle"
	"github.com/cmericli/claude-remote/internal/store"
)

const (
	defaultPerSessionCooldown = 5 * time.Minute
	defaultGlobalHourlyCap    = 10
)

// DeliveryStatus is what an injected DeliveryPort reports back.
type DeliveryStatus int

const (
	// DeliveryOK indicates the push was accepted by the external service.
	DeliveryOK DeliveryStatus = iota
	// DeliveryTransientError indicates a retryable failure; the
	// subscription is left in place.
	DeliveryTransientError
	// DeliveryPermanentError indicates the subscription is stale (e.g.
	// the endpoint was revoked) and should be deleted.
	DeliveryPermanentError
)

// Payload is what gets handed to the delivery port for one notification.
type Payload struct {
	SessionID   string
	Slug        string
	Preview     string
	IdleSeconds int
	Timestamp   time.Time
}

// DeliveryPort is the external collaborator that actually speaks
// whatever push protocol the deployment uses (spec.md §4.8: "the core
// does not speak any particular push protocol").
type DeliveryPort interface {
	Deliver(ctx context.Context, sub store.PushSubscription, payload Payload) DeliveryStatus
}

// Dispatcher drives the needs_input -> deliver pipeline.
type Dispatcher struct {
	store              *store.Store
	bus                *eventbus.Bus
	port               DeliveryPort
	clock              clock.Clock
	perSessionCooldown time.Duration
	globalHourlyCap    int

	mu             sync.Mutex
	lastPerSession map[string]time.Time
	recentSends    []time.Time // rolling window of delivery attempts (any outcome), pruned to 1h
}

// New constructs a Dispatcher. Zero durations/cap use spec.md's
// documented defaults (5min per-session cooldown, 10/hour global cap).
func New(st *store.Store, bus *eventbus.Bus, port DeliveryPort, clk clock.Clock, perSessionCooldown time.Duration, globalHourlyCap int) *Dispatcher {
	if perSessionCooldown <= 0 {
		perSessionCooldown = defaultPerSessionCooldown
	}
	if globalHourlyCap <= 0 {
		globalHourlyCap = defaultGlobalHourlyCap
	}
	return &Dispatcher{
		store:              st,
		bus:                bus,
		port:               port,
		clock:              clk,
		perSessionCooldown: perSessionCooldown,
		globalHourlyCap:    globalHourlyCap,
		lastPerSession:     make(map[string]time.Time),
	}
}

// Run subscribes to needs_input on the global topic and processes
// events until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub := d.bus.Subscribe(idle.GlobalTopic)
	defer d.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.Events():
			n, ok := ev.(idle.NeedsInput)
			if !ok || n.Type != idle.EventNeedsInput {
				continue
			}
			d.handle(ctx, n)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, n idle.NeedsInput) {
	if d.withinSessionCooldown(n.SessionID) {
		return
	}

	subs, err := d.store.ListSubscriptions(ctx)
	if err != nil {
		log.Printf("[notify] listing subscriptions failed: %v", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload := Payload{
		SessionID:   n.SessionID,
		Slug:        n.Slug,
		Preview:     n.Preview,
		IdleSeconds: n.IdleSeconds,
		Timestamp:   n.Timestamp,
	}

	for _, sub := range subs {
		if !d.takeGlobalSlot() {
			log.Printf("[notify] global hourly cap reached, dropping remaining deliveries for %s", n.SessionID)
			return
		}
		status := d.port.Deliver(ctx, sub, payload)
		switch status {
		case DeliveryPermanentError:
			if err := d.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
				log.Printf("[notify] deleting stale subscription %s: %v", sub.Endpoint, err)
			}
		case DeliveryTransientError:
			log.Printf("[notify] transient delivery error for %s, subscription kept", sub.Endpoint)
		}
	}

	d.markSessionNotified(n.SessionID)
}

func (d *Dispatcher) withinSessionCooldown(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lastPerSession[sessionID]
	if !ok {
		return false
	}
	return d.clock.Now().Sub(last) < d.perSessionCooldown
}

func (d *Dispatcher) markSessionNotified(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastPerSession[sessionID] = d.clock.Now()
}

// takeGlobalSlot enforces the rolling 10/hour cap across all
// sessions and subscriptions combined (spec.md §4.8).
func (d *Dispatcher) takeGlobalSlot() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	cutoff := now.Add(-time.Hour)
	pruned := d.recentSends[:0]
	for _, t := range d.recentSends {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	d.recentSends = pruned

	if len(d.recentSends) >= d.globalHourlyCap {
		return false
	}
	d.recentSends = append(d.recentSends, now)
	return true
}

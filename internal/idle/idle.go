// Package idle implements the periodic idle/needs-input scanner
// described in spec.md §4.5: on a fixed cadence it looks for sessions
// whose most recent message is from the assistant and has sat
// unanswered past a threshold, and announces that on the Event Bus.
// Grounded on the teacher's Monitor.Start/poll ticker-loop shape in
// backend/internal/monitor/monitor.go, generalized from process
// polling to a Store scan and rewired onto the injectable Clock so the
// cooldown/threshold math is deterministic under test.
package idle

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cmericli/claude-remote/internal/clock"
	"github.com/cmericli/claude-remote/internal/eventbus"
	"github.com/cmericli/claude-remote/internal/store"
)

// Topic needs_input events are published on.
const GlobalTopic = "dashboard"

// EventNeedsInput is the Change.Type published when a session goes idle
// awaiting input.
const EventNeedsInput = "needs_input"

const (
	defaultScanInterval = 15 * time.Second
	defaultIdleAfter    = 30 * time.Second
	defaultCooldown     = 5 * time.Minute
	lookbackWindow      = 24 * time.Hour
)

// NeedsInput is the payload published on GlobalTopic when a session
// crosses the idle threshold (spec.md §4.5).
type NeedsInput struct {
	Type        string
	SessionID   string
	Slug        string
	Preview     string
	IdleSeconds int
	Timestamp   time.Time
}

// Detector scans the Store on a fixed cadence and publishes needs_input
// transitions, applying a per-session cooldown so a session that stays
// idle doesn't re-announce on every scan.
type Detector struct {
	store        *store.Store
	bus          *eventbus.Bus
	clock        clock.Clock
	scanInterval time.Duration
	idleAfter    time.Duration
	cooldown     time.Duration

	mu           sync.Mutex
	lastNotified map[string]time.Time // session id -> last needs_input publish time
}

// New constructs a Detector. Zero durations use spec.md's documented
// defaults (15s cadence, 30s idle threshold, 5min cooldown).
func New(st *store.Store, bus *eventbus.Bus, clk clock.Clock, scanInterval, idleAfter, cooldown time.Duration) *Detector {
	if scanInterval <= 0 {
		scanInterval = defaultScanInterval
	}
	if idleAfter <= 0 {
		idleAfter = defaultIdleAfter
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Detector{
		store:        st,
		bus:          bus,
		clock:        clk,
		scanInterval: scanInterval,
		idleAfter:    idleAfter,
		cooldown:     cooldown,
		lastNotified: make(map[string]time.Time),
	}
}

// Run drives the scan loop until ctx is cancelled. Recoverable errors
// from a single scan are logged and the loop continues (spec.md §7).
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.scanInterval)
	defer ticker.Stop()

	d.ScanOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.ScanOnce(ctx)
		}
	}
}

// ScanOnce performs a single scan pass. Exported so tests (and a
// manually-paced caller) can drive it directly against a Fake clock
// without waiting on the real ticker.
func (d *Detector) ScanOnce(ctx context.Context) {
	now := d.clock.Now()
	candidates, err := d.store.ActiveForIdleCheck(ctx, now.Add(-lookbackWindow))
	if err != nil {
		log.Printf("[idle] scan failed: %v", err)
		return
	}

	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		seen[c.SessionID] = true
		if c.LastMessageRole != store.RoleAssistant {
			// A user-role message is the newest in this session: clear any
			// standing cooldown so a later assistant turn can re-announce
			// immediately (spec.md §4.5: "Clears... when a user-role
			// message arrives").
			d.clearCooldown(c.SessionID)
			continue
		}

		idleFor := now.Sub(c.LastMessageAt)
		if idleFor < d.idleAfter {
			continue
		}

		if d.withinCooldown(c.SessionID, now) {
			continue
		}

		d.markNotified(c.SessionID, now)
		evt := NeedsInput{
			Type:        EventNeedsInput,
			SessionID:   c.SessionID,
			Slug:        c.Slug,
			Preview:     c.LastMessagePreview,
			IdleSeconds: int(idleFor.Seconds()),
			Timestamp:   now,
		}
		d.bus.Publish(GlobalTopic, evt)
	}

	d.forgetStale(seen)
}

func (d *Detector) withinCooldown(sessionID string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lastNotified[sessionID]
	if !ok {
		return false
	}
	return now.Sub(last) < d.cooldown
}

func (d *Detector) markNotified(sessionID string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastNotified[sessionID] = now
}

func (d *Detector) clearCooldown(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastNotified, sessionID)
}

// forgetStale drops cooldown bookkeeping for sessions that have aged
// out of the lookback window entirely, so the map doesn't grow without
// bound over a long-running process.
func (d *Detector) forgetStale(seen map[string]bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.lastNotified {
		if !seen[id] {
			delete(d.lastNotified, id)
		}
	}
}

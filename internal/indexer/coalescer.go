package indexer

import (
	"sync"
	"time"
)

// coalescer batches Change events per session within a fixed window
// before flushing (spec.md §4.3): the latest new_message preview wins,
// tool_use events accumulate up to a cap with overflow dropped and
// counted. Grounded on the teacher's Broadcaster.QueueUpdate/flush
// pair in ws/broadcast.go, generalized from a single global pending
// batch to one batch per session key.
type coalescer struct {
	window  time.Duration
	toolCap int
	onFlush func(sessionID string, changes []Change)

	mu      sync.Mutex
	pending map[string]*sessionBatch
}

type sessionBatch struct {
	latestMessage *Change
	toolUses      []Change
	toolDropped   int
	sessionEvents []Change // session_started, passed through verbatim
	timer         *time.Timer
}

func newCoalescer(window time.Duration, toolCap int, onFlush func(string, []Change)) *coalescer {
	return &coalescer{
		window:  window,
		toolCap: toolCap,
		onFlush: onFlush,
		pending: make(map[string]*sessionBatch),
	}
}

// push queues a change for sessionID, starting its flush timer if this
// is the first change in a new window.
func (c *coalescer) push(sessionID string, change Change) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.pending[sessionID]
	if !ok {
		b = &sessionBatch{}
		c.pending[sessionID] = b
		b.timer = time.AfterFunc(c.window, func() { c.flush(sessionID) })
	}

	switch change.Type {
	case EventNewMessage:
		latest := change
		b.latestMessage = &latest
	case EventToolUse:
		if len(b.toolUses) >= c.toolCap {
			b.toolDropped++
		} else {
			b.toolUses = append(b.toolUses, change)
		}
	default:
		b.sessionEvents = append(b.sessionEvents, change)
	}
}

func (c *coalescer) flush(sessionID string) {
	c.mu.Lock()
	b, ok := c.pending[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, sessionID)
	c.mu.Unlock()

	var changes []Change
	changes = append(changes, b.sessionEvents...)
	if b.latestMessage != nil {
		changes = append(changes, *b.latestMessage)
	}
	changes = append(changes, b.toolUses...)

	if len(changes) == 0 {
		return
	}
	c.onFlush(sessionID, changes)
}

// stop cancels all pending timers without flushing, used on shutdown.
func (c *coalescer) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.pending {
		b.timer.Stop()
	}
	c.pending = make(map[string]*sessionBatch)
}

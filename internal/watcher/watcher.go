// Package watcher implements the poll-based file discovery loop
// described in spec.md §4.3: it enumerates a root directory tree,
// tracks each file's last-seen size, and reports growth (or
// truncation) to a caller-supplied callback. It never reads file
// contents itself — that is the Indexer's job, grounded on the
// persisted ingest offset in the Index Store rather than on this
// package's own bookkeeping, so a failed ingest attempt is retried
// automatically on the next poll without the Watcher needing to know
// anything went wrong.
package watcher

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cmericli/claude-remote/internal/clock"
)

// Event reports that a tracked file's size changed since the last poll.
type Event struct {
	Path        string
	CurrentSize int64
	Truncated   bool // size shrank; callers should treat this as a full re-parse from offset 0
}

// NewFileEvent reports a file discovered for the first time, either on
// startup enumeration or by the periodic reconciliation pass.
type NewFileEvent struct {
	Path string
}

type fileState struct {
	sizeSeen int64
}

// Watcher polls a directory tree for file growth. Zero value is not
// usable; construct with New.
type Watcher struct {
	root              string
	pollInterval      time.Duration
	reconcileInterval time.Duration
	clock             clock.Clock

	mu      sync.Mutex
	tracked map[string]*fileState

	fsWatcher *fsnotify.Watcher // nil when the mount doesn't support it
}

// New constructs a Watcher rooted at root.
func New(root string, pollInterval, reconcileInterval time.Duration, clk clock.Clock) *Watcher {
	return &Watcher{
		root:              root,
		pollInterval:      pollInterval,
		reconcileInterval: reconcileInterval,
		clock:             clk,
		tracked:           make(map[string]*fileState),
	}
}

// probeFsnotify attempts to set up an fsnotify watch on the root. This
// is the "capability probe at startup" spec.md §4.3 calls for: some
// mounts (network filesystems, certain container overlays) don't
// deliver inotify/kqueue events reliably, so failure here just means
// "poll only" rather than a fatal error.
func (w *Watcher) probeFsnotify() {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[watcher] fsnotify unavailable, polling only: %v", err)
		return
	}
	if err := fw.Add(w.root); err != nil {
		log.Printf("[watcher] fsnotify could not watch %s, polling only: %v", w.root, err)
		fw.Close()
		return
	}
	w.fsWatcher = fw
	log.Printf("[watcher] fsnotify fast path enabled for %s", w.root)
}

// Run polls until ctx is cancelled, invoking onGrowth for tracked
// files that changed size and onNewFile for files discovered by
// reconciliation. It returns nil on clean cancellation.
func (w *Watcher) Run(ctx context.Context, onGrowth func(Event), onNewFile func(NewFileEvent)) error {
	w.probeFsnotify()
	if w.fsWatcher != nil {
		defer w.fsWatcher.Close()
	}

	// Initial reconciliation establishes the starting file set before
	// the first poll tick.
	w.reconcile(onNewFile)

	pollTicker := time.NewTicker(w.pollInterval)
	defer pollTicker.Stop()
	reconcileTicker := time.NewTicker(w.reconcileInterval)
	defer reconcileTicker.Stop()

	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	if w.fsWatcher != nil {
		fsEvents = w.fsWatcher.Events
		fsErrors = w.fsWatcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pollTicker.C:
			w.poll(onGrowth)
		case <-reconcileTicker.C:
			w.reconcile(onNewFile)
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			// fsnotify is a fast-path hint only; the authoritative growth
			// check still goes through poll() so truncation/size bookkeeping
			// stays in one place.
			_ = ev
			w.poll(onGrowth)
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			log.Printf("[watcher] fsnotify error: %v", err)
		}
	}
}

// poll stats every currently tracked file and reports size changes.
func (w *Watcher) poll(onGrowth func(Event)) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.tracked))
	for p := range w.tracked {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			// File disappeared between reconciliation and this poll; leave
			// it tracked (spec.md §6: removal retains history) and skip.
			continue
		}

		w.mu.Lock()
		state, ok := w.tracked[path]
		if !ok {
			w.mu.Unlock()
			continue
		}
		size := info.Size()
		prev := state.sizeSeen
		if size == prev {
			w.mu.Unlock()
			continue
		}
		truncated := size < prev
		state.sizeSeen = size
		w.mu.Unlock()

		onGrowth(Event{Path: path, CurrentSize: size, Truncated: truncated})
	}
}

// reconcile re-enumerates the root directory tree and begins tracking
// any file not already known, per spec.md §4.3's 60 s full pass. New
// files are initialized with sizeSeen zero so the first poll sees
// their entire content as growth.
func (w *Watcher) reconcile(onNewFile func(NewFileEvent)) {
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // tolerate transient walk errors, keep going
		}
		if d.IsDir() {
			return nil
		}

		w.mu.Lock()
		_, known := w.tracked[path]
		if !known {
			w.tracked[path] = &fileState{sizeSeen: 0}
		}
		w.mu.Unlock()

		if !known {
			onNewFile(NewFileEvent{Path: path})
		}
		return nil
	})
	if err != nil {
		log.Printf("[watcher] reconciliation walk error: %v", err)
	}
}

// SeedOffset primes a file's last-seen size without emitting a growth
// event, used by the Indexer on startup to align the Watcher's cache
// with a session's already-ingested offset from the Store so the next
// poll only reports genuinely new bytes.
func (w *Watcher) SeedOffset(path string, size int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracked[path] = &fileState{sizeSeen: size}
}

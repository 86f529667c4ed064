// Package indexer wires the File Watcher, Log Parser, and Index Store
// together (spec.md §4.3): on each reported growth, it reads the new
// byte range, parses complete lines, appends the resulting records to
// the Store in one transaction, records the new ingest offset with a
// separate store write, and emits change events on the Event Bus. It
// never drops ingestion work — a failed attempt simply leaves the
// Store's offset unadvanced, so the Watcher's next poll finds the file
// "grown" by the same unconsumed bytes plus whatever else was
// appended meanwhile, and both deltas are ingested together.
package indexer

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cmericli/claude-remote/internal/eventbus"
	"github.com/cmericli/claude-remote/internal/logparser"
	"github.com/cmericli/claude-remote/internal/store"
	"github.com/cmericli/claude-remote/internal/watcher"
)

// Topics used on the Event Bus. GlobalTopic is the reserved constant
// spec.md §4.4 refers to; per-session topics are the session id itself.
const GlobalTopic = "dashboard"

// Event types published after a successful ingest (spec.md §4.3).
const (
	EventNewMessage     = "new_message"
	EventToolUse        = "tool_use"
	EventSessionStarted = "session_started"
)

// Change is the payload shape for new_message/tool_use/session_started events.
type Change struct {
	Type      string
	SessionID string
	Role      string
	Preview   string
	ToolName  string
	Summary   string
	Timestamp time.Time
}

// maxReadBuffer is the per-line size cap (1 MiB): a complete line longer
// than this is skipped and counted in Stats.OversizedLines. There is no
// second, larger read attempt.
const maxReadBuffer = 1 << 20

// defaultCoalesceWindow batches events generated within this window for the
// same session (spec.md §4.3).
const defaultCoalesceWindow = 500 * time.Millisecond

// defaultMaxToolEventsPerBatch caps tool_use events concatenated within one
// coalescing window; overflow is dropped with a counter.
const defaultMaxToolEventsPerBatch = 10

// Indexer owns the read-offset-to-parse-to-store pipeline.
type Indexer struct {
	store           *store.Store
	bus             *eventbus.Bus
	watcher         *watcher.Watcher
	coalesceWindow  time.Duration
	maxToolPerBatch int

	sessionOfFile map[string]string // path -> session id hint, best-effort

	coalescer *coalescer
}

// New constructs an Indexer. coalesceWindow/maxToolPerBatch of zero
// use spec.md's documented defaults (500ms / 10).
func New(st *store.Store, bus *eventbus.Bus, w *watcher.Watcher, coalesceWindow time.Duration, maxToolPerBatch int) *Indexer {
	if coalesceWindow <= 0 {
		coalesceWindow = defaultCoalesceWindow
	}
	if maxToolPerBatch <= 0 {
		maxToolPerBatch = defaultMaxToolEventsPerBatch
	}
	ix := &Indexer{
		store:           st,
		bus:             bus,
		watcher:         w,
		coalesceWindow:  coalesceWindow,
		maxToolPerBatch: maxToolPerBatch,
		sessionOfFile:   make(map[string]string),
	}
	ix.coalescer = newCoalescer(coalesceWindow, maxToolPerBatch, ix.flush)
	return ix
}

// Run drives the Watcher and blocks until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) error {
	defer ix.coalescer.stop()
	return ix.watcher.Run(ctx,
		func(ev watcher.Event) { ix.onGrowth(ctx, ev) },
		func(ev watcher.NewFileEvent) { ix.onNewFile(ctx, ev) },
	)
}

func (ix *Indexer) onNewFile(ctx context.Context, ev watcher.NewFileEvent) {
	sessionID := sessionIDFromPath(ev.Path)
	ix.sessionOfFile[ev.Path] = sessionID
}

func (ix *Indexer) onGrowth(ctx context.Context, ev watcher.Event) {
	sessionID, ok := ix.sessionOfFile[ev.Path]
	if !ok {
		sessionID = sessionIDFromPath(ev.Path)
		ix.sessionOfFile[ev.Path] = sessionID
	}

	var startOffset int64
	if ev.Truncated {
		startOffset = 0
	} else {
		detail, err := ix.store.Session(ctx, sessionID)
		if err == nil {
			startOffset = detail.Session.FileSizeBytes
		}
	}

	isNewSession := startOffset == 0
	if err := ix.ingest(ctx, sessionID, ev.Path, startOffset, ev.CurrentSize, ev.Truncated); err != nil {
		log.Printf("[indexer] ingest error for %s: %v", ev.Path, err)
		return
	}
	if isNewSession {
		ix.coalescer.push(sessionID, Change{Type: EventSessionStarted, SessionID: sessionID, Timestamp: time.Now().UTC()})
	}
}

// ingest reads [startOffset, upTo) from path, parses complete lines,
// appends the batch to the Store in one transaction, and then records
// the new ingest offset in a separate store write. A trailing
// partial line (no final newline) is simply left unread; it will be
// re-read in full on the next growth notification once the writer
// finishes the line.
func (ix *Indexer) ingest(ctx context.Context, sessionID, path string, startOffset, upTo int64, truncated bool) error {
	f, err := os.Open(path)
	if err != nil {
		// Transient I/O error: abandon this pass, offset is not advanced,
		// next poll retries (spec.md §7).
		return err
	}
	defer f.Close()

	if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
		return err
	}

	toRead := upTo - startOffset
	if toRead <= 0 {
		if truncated {
			// The truncation itself still needs recording even when there's
			// nothing new to read yet, otherwise file_size_bytes is left at
			// its stale pre-truncation value and the next growth poll seeks
			// past EOF forever.
			return ix.store.ResetIngestOffset(ctx, sessionID, path, startOffset)
		}
		return nil
	}

	reader := bufio.NewReaderSize(io.LimitReader(f, toRead), 64*1024)
	var lines [][]byte
	var consumed int64
	var stats logparser.Stats

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytes.TrimRight(line, "\n")
			if err == nil {
				if len(trimmed) > maxReadBuffer {
					stats.OversizedLines++
				} else {
					lines = append(lines, append([]byte(nil), trimmed...))
				}
				consumed += int64(len(line))
			}
			// err != nil here means a partial trailing line with no
			// newline yet; it is intentionally not consumed so the next
			// poll re-reads it in full once complete.
		}
		if err != nil {
			break
		}
	}

	if len(lines) == 0 {
		if truncated {
			return ix.store.ResetIngestOffset(ctx, sessionID, path, startOffset)
		}
		return nil
	}

	records := logparser.ParseLines(lines, &stats)
	if stats.LinesSkipped > 0 || stats.UnknownType > 0 || stats.OversizedLines > 0 {
		log.Printf("[indexer] %s: skipped=%d unknown=%d oversized=%d", path, stats.LinesSkipped, stats.UnknownType, stats.OversizedLines)
	}

	if err := ix.applyRecords(ctx, sessionID, path, records); err != nil {
		return err
	}

	newOffset := startOffset + consumed
	if truncated {
		return ix.store.ResetIngestOffset(ctx, sessionID, path, newOffset)
	}
	return ix.store.AdvanceIngestOffset(ctx, sessionID, path, newOffset)
}

func (ix *Indexer) applyRecords(ctx context.Context, sessionID, path string, records []logparser.Record) error {
	var meta store.SessionMeta
	meta.SessionID = sessionID
	var storeRecords []store.MessageRecord

	for _, rec := range records {
		if rec.Meta.Slug != "" {
			meta.Slug = rec.Meta.Slug
		}
		if rec.Meta.ProjectDir != "" {
			meta.ProjectDir = rec.Meta.ProjectDir
		}
		if rec.Meta.WorkingDir != "" {
			meta.WorkingDir = rec.Meta.WorkingDir
		}
		if rec.Meta.Branch != "" {
			meta.Branch = rec.Meta.Branch
		}
		if rec.Meta.Model != "" {
			meta.Model = rec.Meta.Model
		}
		meta.Timestamp = rec.Meta.Timestamp

		if rec.Message == nil {
			continue
		}
		storeRecords = append(storeRecords, toStoreRecord(*rec.Message))
	}

	if len(storeRecords) == 0 {
		return ix.store.UpsertSession(ctx, meta)
	}

	if err := ix.store.AppendMessages(ctx, meta, storeRecords); err != nil {
		return err
	}

	for _, mr := range storeRecords {
		preview := mr.Body
		if preview == "" {
			preview = mr.Reasoning
		}
		ix.coalescer.push(sessionID, Change{
			Type: EventNewMessage, SessionID: sessionID, Role: string(mr.Role),
			Preview: truncatePreview(preview, 120), Timestamp: mr.Timestamp,
		})
		for _, tu := range mr.ToolUses {
			ix.coalescer.push(sessionID, Change{
				Type: EventToolUse, SessionID: sessionID, ToolName: tu.Name, Summary: tu.Summary, Timestamp: tu.Timestamp,
			})
		}
	}
	return nil
}

func toStoreRecord(m logparser.Message) store.MessageRecord {
	tools := make([]store.ToolInvocationRecord, len(m.ToolUses))
	for i, tu := range m.ToolUses {
		tools[i] = store.ToolInvocationRecord{ToolUseID: tu.ToolUseID, Name: tu.Name, Summary: tu.Summary, Timestamp: tu.Timestamp}
	}
	files := make([]store.FileEventRecord, len(m.FileEvents))
	for i, fe := range m.FileEvents {
		files[i] = store.FileEventRecord{Path: fe.Path, Kind: store.FileEventKind(fe.Kind), Timestamp: fe.Timestamp}
	}
	return store.MessageRecord{
		UUID: m.UUID, ParentUUID: m.ParentUUID, Role: store.Role(m.Role),
		Body: m.Body, Reasoning: m.Reasoning, Model: m.Model,
		Usage: store.TokenUsage{
			InputTokens:              m.Usage.InputTokens,
			OutputTokens:             m.Usage.OutputTokens,
			CacheReadInputTokens:     m.Usage.CacheReadInputTokens,
			CacheCreationInputTokens: m.Usage.CacheCreationInputTokens,
		},
		Timestamp: m.Timestamp, ToolUses: tools, FileEvents: files,
	}
}

// flush publishes the coalesced change set for one session to both
// the session topic and the global topic.
func (ix *Indexer) flush(sessionID string, changes []Change) {
	for _, c := range changes {
		ix.bus.Publish(sessionID, c)
		ix.bus.Publish(GlobalTopic, c)
	}
}

func truncatePreview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// sessionIDFromPath derives the session id for a log file from its
// basename. The indexer stores every record read from that file under
// this id; the sessionId carried by each parsed line is not consulted.
func sessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

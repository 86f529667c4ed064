package logparser

import (
	"encoding/json"
	"log"
	"path/filepath"
	"strings"
	"time"
)

// rawEntry mirrors the top-level JSON shape of one transcript line,
// common to user/assistant/system/progress/etc. entries (spec.md §4.1).
type rawEntry struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype"`
	UUID       string          `json:"uuid"`
	ParentUUID string          `json:"parentUuid"`
	SessionID  string          `json:"sessionId"`
	Slug       string          `json:"slug"`
	Cwd        string          `json:"cwd"`
	Branch     string          `json:"gitBranch"`
	Version    string          `json:"version"`
	Timestamp  string          `json:"timestamp"`
	DurationMs int             `json:"durationMs"`
	Message    json.RawMessage `json:"message"`
}

type rawMessage struct {
	Model   string          `json:"model"`
	Role    string          `json:"role"`
	Usage   *rawUsage       `json:"usage"`
	Content json.RawMessage `json:"content"` // string or []contentBlock
}

type rawUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// contentBlock is the tagged-variant union described in spec.md §9:
// the parser switches on Type and extracts fields per-variant,
// tolerating unknown tags.
type contentBlock struct {
	Type string `json:"type"`

	// thinking
	Thinking string `json:"thinking"`

	// text
	Text string `json:"text"`

	// tool_use
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`

	// tool_result
	ToolUseID string `json:"tool_use_id"`
}

// ParseLine parses one complete (newline-stripped) JSON line and
// returns the normalized Record. ok is false only for malformed JSON;
// types this parser ignores for indexing (progress/file-history-snapshot/
// queue-operation) and unknown types return ok=true with just the
// session metadata. Malformed lines are logged and skipped, never
// returned as an error — a single bad line must not stop ingestion
// (spec.md §4.1, §7).
func ParseLine(line []byte, stats *Stats) (Record, bool) {
	stats.LinesSeen++

	var entry rawEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		log.Printf("[logparser] skipping malformed line: %v", err)
		stats.LinesSkipped++
		return Record{}, false
	}

	ts := parseTimestamp(entry.Timestamp)

	meta := SessionMeta{
		SessionID:  entry.SessionID,
		Slug:       entry.Slug,
		WorkingDir: entry.Cwd,
		Branch:     entry.Branch,
		Timestamp:  ts,
	}

	switch entry.Type {
	case "user", "assistant":
		msg, ok := parseMessageEntry(entry, ts)
		if !ok {
			// Tool-result-only user message: Open Question (b) resolved
			// "no" in DESIGN.md — no Message row, but still a valid line.
			return Record{Meta: meta}, true
		}
		if msg.Model != "" {
			meta.Model = msg.Model
		}
		return Record{Meta: meta, Message: msg}, true

	case "system":
		// turn_duration and other system subtypes update nothing but
		// are tolerated and returned for observability (DESIGN.md Open
		// Question 1: no counter is ever derived from DurationMs).
		return Record{
			Meta: meta,
			SystemEvent: &SystemEvent{
				SessionID:  entry.SessionID,
				Subtype:    entry.Subtype,
				DurationMs: entry.DurationMs,
				Timestamp:  ts,
			},
		}, true

	case "progress", "file-history-snapshot", "queue-operation":
		// Tolerated, not indexed.
		return Record{Meta: meta}, true

	default:
		stats.UnknownType++
		return Record{Meta: meta}, true
	}
}

// parseMessageEntry builds a Message from a user/assistant typed line.
// ok is false when the message has no indexable content (e.g. a user
// message consisting exclusively of tool_result blocks).
func parseMessageEntry(entry rawEntry, ts time.Time) (*Message, bool) {
	msg := &Message{
		UUID:       entry.UUID,
		ParentUUID: entry.ParentUUID,
		SessionID:  entry.SessionID,
		Role:       Role(entry.Type),
		Timestamp:  ts,
	}

	if entry.Message == nil {
		return nil, false
	}

	var rm rawMessage
	if err := json.Unmarshal(entry.Message, &rm); err != nil {
		return nil, false
	}
	msg.Model = rm.Model
	if rm.Usage != nil {
		msg.Usage = TokenUsage{
			InputTokens:              rm.Usage.InputTokens,
			OutputTokens:             rm.Usage.OutputTokens,
			CacheReadInputTokens:     rm.Usage.CacheReadInputTokens,
			CacheCreationInputTokens: rm.Usage.CacheCreationInputTokens,
		}
	}

	var bodyParts []string

	// Content may be a bare string (simple user messages) or an array
	// of tagged content blocks (assistant messages, and user messages
	// carrying tool_result blocks).
	var asString string
	if err := json.Unmarshal(rm.Content, &asString); err == nil {
		if strings.TrimSpace(asString) != "" {
			bodyParts = append(bodyParts, asString)
		}
	} else {
		var blocks []contentBlock
		if err := json.Unmarshal(rm.Content, &blocks); err == nil {
			for _, b := range blocks {
				switch b.Type {
				case "thinking":
					msg.Reasoning += b.Thinking
				case "text":
					if strings.TrimSpace(b.Text) != "" {
						bodyParts = append(bodyParts, b.Text)
					}
				case "tool_use":
					inv := ToolInvocation{
						ToolUseID: b.ID,
						Name:      b.Name,
						Summary:   summarizeToolInput(b.Name, b.Input),
						Timestamp: ts,
					}
					msg.ToolUses = append(msg.ToolUses, inv)
					if fe, ok := fileEventFor(b.Name, b.Input, ts); ok {
						msg.FileEvents = append(msg.FileEvents, fe)
					}
				case "tool_result":
					// Discarded from body text per spec.md §4.1 — they
					// never become part of a Message's body.
				}
			}
		}
	}

	msg.Body = strings.TrimSpace(strings.Join(bodyParts, "\n"))
	msg.HasBody = msg.Body != ""

	// Open Question (b): a user message consisting exclusively of
	// tool_result blocks (no text, no thinking) yields no Message row.
	// Assistant messages always count even with empty text, since a
	// tool_use-only assistant turn is still a real message.
	if msg.Role == RoleUser && !msg.HasBody && msg.Reasoning == "" {
		return nil, false
	}

	return msg, true
}

// parseTimestamp parses a UTC RFC3339Nano instant. Malformed or empty
// timestamps are treated as "now" (spec.md §4.1).
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

// maxSummaryLen bounds the one-line human summary derived from tool
// inputs (spec.md §4.1: "first 60-80 chars").
const maxSummaryLen = 80

// summarizeToolInput maps a tool name to its one-line summary per the
// fixed table in spec.md §4.1.
func summarizeToolInput(name string, input json.RawMessage) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	str := func(key string) string {
		raw, ok := fields[key]
		if !ok {
			return ""
		}
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return ""
		}
		return s
	}

	var summary string
	switch name {
	case "Read", "Write", "Edit":
		summary = filepath.Base(str("file_path"))
	case "Bash":
		summary = str("command")
	case "Grep", "Glob":
		summary = str("pattern")
	case "Task":
		summary = str("subject")
		if summary == "" {
			summary = str("description")
		}
	default:
		return ""
	}
	return truncate(strings.TrimSpace(summary), maxSummaryLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// toolFileKind is the fixed tool-name→FileEvent-kind mapping from spec.md §3.
var toolFileKind = map[string]FileEventKind{
	"Read":  FileEventRead,
	"Glob":  FileEventRead,
	"Grep":  FileEventRead,
	"Write": FileEventCreate,
	"Edit":  FileEventEdit,
	"Bash":  FileEventBash,
}

// fileEventFor derives a FileEvent from a tool_use block, when the
// tool name is one of the mapped kinds and an input path/command is present.
func fileEventFor(name string, input json.RawMessage, ts time.Time) (FileEvent, bool) {
	kind, ok := toolFileKind[name]
	if !ok {
		return FileEvent{}, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return FileEvent{}, false
	}
	str := func(key string) string {
		raw, ok := fields[key]
		if !ok {
			return ""
		}
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return ""
		}
		return s
	}

	var path string
	switch name {
	case "Bash":
		path = str("command")
	default:
		path = str("file_path")
	}
	if path == "" {
		return FileEvent{}, false
	}
	return FileEvent{Path: path, Kind: kind, Timestamp: ts}, true
}

// ParseLines parses a batch of complete lines in order, returning one
// Record per well-formed line (malformed lines yield none) that the
// caller may choose to apply to the Store.
// Pure and deterministic: no I/O, no wall-clock dependency beyond the
// "malformed timestamp → now" fallback in spec.md §4.1.
func ParseLines(lines [][]byte, stats *Stats) []Record {
	records := make([]Record, 0, len(lines))
	for _, line := range lines {
		if rec, ok := ParseLine(line, stats); ok {
			records = append(records, rec)
		}
	}
	return records
}

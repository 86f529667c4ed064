// Package logparser implements the pure function described in spec.md
// §4.1: it converts a sequence of byte-lines from an append-only
// session transcript into normalized records (Session deltas,
// Messages, ToolInvocations, FileEvents). It performs no I/O and is
// deterministic across runs on the same input bytes.
package logparser

import "time"

// Role identifies who authored a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// FileEventKind classifies a FileEvent, derived from the tool that
// produced it via the fixed mapping in spec.md §3.
type FileEventKind string

const (
	FileEventRead   FileEventKind = "read"
	FileEventWrite  FileEventKind = "write"
	FileEventEdit   FileEventKind = "edit"
	FileEventBash   FileEventKind = "bash"
	FileEventCreate FileEventKind = "create"
)

// ToolInvocation is produced from an assistant tool_use content block.
type ToolInvocation struct {
	ToolUseID string // the block's "id", stored with the invocation
	Name      string
	Summary   string
	Timestamp time.Time
}

// FileEvent is derived from a ToolInvocation by the fixed tool→kind mapping.
type FileEvent struct {
	Path      string
	Kind      FileEventKind
	Timestamp time.Time
}

// TokenUsage mirrors the four counters spec.md §3 tracks per message.
// Absent fields default to zero (spec.md §4.1).
type TokenUsage struct {
	InputTokens              int
	OutputTokens             int
	CacheReadInputTokens     int
	CacheCreationInputTokens int
}

// Message is one normalized utterance within a session.
type Message struct {
	UUID       string
	ParentUUID string // optional
	SessionID  string // the line's own session id
	Role       Role
	Body       string // plain text, reasoning stripped and tool_result discarded
	Reasoning  string // from "thinking" content blocks
	Model      string
	Usage      TokenUsage
	Timestamp  time.Time
	SeqNum     int // assigned by the caller (Store), not by the parser
	ToolUses   []ToolInvocation
	FileEvents []FileEvent
	HasBody    bool // whether Body is non-empty after stripping tool_result blocks
}

// SessionMeta carries session-scoped fields observed on a line, used by
// the Store's upsert_session operation. Empty fields mean "not observed
// on this line" and must not overwrite previously known values.
type SessionMeta struct {
	SessionID  string
	Slug       string
	ProjectDir string
	WorkingDir string
	Branch     string
	Model      string
	Timestamp  time.Time
}

// SystemEvent is produced by a "system" typed line. Per the Open
// Question resolved in DESIGN.md, turn_duration events do not feed
// any stored counter; they are retained here only so callers can log
// or display them without reparsing.
type SystemEvent struct {
	SessionID  string
	Subtype    string
	DurationMs int
	Timestamp  time.Time
}

// Record is the discriminated result of parsing a single line. Exactly
// one of Message/SystemEvent is non-nil for a "useful" line; both nil
// means the line was ignored (progress/file-history-snapshot/queue-
// operation), was of an unknown type (counted by Stats.UnknownType), or
// was a user/assistant line with no indexable content.
type Record struct {
	Meta        SessionMeta // always populated when the line carried a session id/slug/etc.
	Message     *Message
	SystemEvent *SystemEvent
}

// Stats accumulates parse-quality counters across a ParseLines call,
// per spec.md §4.1's "unknown_type metric" and §7's parse-error taxonomy.
type Stats struct {
	LinesSeen      int
	LinesSkipped   int // malformed JSON
	UnknownType    int
	OversizedLines int // longer than the reader's line cap, skipped by the caller
}

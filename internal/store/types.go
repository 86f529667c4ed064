// Package store implements the embedded relational Index Store
// described in spec.md §4.2: schema management, idempotent upserts,
// full-text index maintenance, and the query projections backing the
// Query Facade. It serializes all write paths behind one mutex
// (spec.md §5); reads take no mutex, but the *sql.DB is capped at one
// open connection, so reads and writes take turns on it.
package store

import "time"

// SessionMeta carries the session-scoped fields observed while
// parsing a log line. Empty string fields mean "not observed on this
// line" and must not overwrite a previously stored value — mirrors
// logparser.SessionMeta but decoupled so store has no import-time
// dependency on the parser's internal representation.
type SessionMeta struct {
	SessionID  string
	Slug       string
	ProjectDir string
	WorkingDir string
	Branch     string
	Model      string
	Timestamp  time.Time
}

// Role mirrors logparser.Role to keep the store package free of a
// compile-time dependency on the parser package's types.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// FileEventKind mirrors logparser.FileEventKind.
type FileEventKind string

const (
	FileEventRead   FileEventKind = "read"
	FileEventWrite  FileEventKind = "write"
	FileEventEdit   FileEventKind = "edit"
	FileEventBash   FileEventKind = "bash"
	FileEventCreate FileEventKind = "create"
)

// TokenUsage is the four-counter accounting unit tracked per message
// and summed per session (spec.md §3).
type TokenUsage struct {
	InputTokens              int
	OutputTokens             int
	CacheReadInputTokens     int
	CacheCreationInputTokens int
}

// ToolInvocationRecord is the input shape for a ToolInvocation row,
// always attached to a MessageRecord.
type ToolInvocationRecord struct {
	ToolUseID string
	Name      string
	Summary   string
	Timestamp time.Time
}

// FileEventRecord is the input shape for a FileEvent row.
type FileEventRecord struct {
	Path      string
	Kind      FileEventKind
	Timestamp time.Time
}

// MessageRecord is the input shape AppendMessages accepts, decoupled
// from logparser.Message (the indexer translates between the two) so
// the store's public API doesn't leak the parser's package.
type MessageRecord struct {
	UUID       string
	ParentUUID string
	Role       Role
	Body       string
	Reasoning  string
	Model      string
	Usage      TokenUsage
	Timestamp  time.Time
	ToolUses   []ToolInvocationRecord
	FileEvents []FileEventRecord
}

// Session is a full row from the sessions table.
type Session struct {
	ID                    string
	Slug                  string
	ProjectDir            string
	WorkingDir            string
	Branch                string
	Model                 string
	FirstMessageAt        time.Time
	LastMessageAt         time.Time
	MessageCount          int
	UserMessageCount      int
	AssistantMessageCount int
	SystemMessageCount    int
	InputTokens           int
	OutputTokens          int
	CacheReadTokens       int
	CacheCreationTokens   int
	FilePath              string
	FileSizeBytes         int64
	LastIndexedAt         time.Time
}

// Message is a full row from the messages table, as returned by reads.
type Message struct {
	ID         int64
	UUID       string
	SessionID  string
	ParentUUID string
	Role       Role
	Body       string
	Reasoning  string
	Model      string
	Usage      TokenUsage
	Timestamp  time.Time
	SeqNum     int
	ToolUses   []ToolInvocationRecord
}

// FileTouch is the de-duplicated-by-path aggregate used in session
// detail projections (spec.md §4.9).
type FileTouch struct {
	Path  string
	Count int
}

// ToolSummary is a name→count aggregate.
type ToolSummary struct {
	Name  string
	Count int
}

// SessionFilter narrows the sessions() projection.
type SessionFilter struct {
	Status     string // derived coarse status (running/idle-awaiting-input/done), applied by the Query Facade; empty = any
	ProjectDir string // exact match; empty = any
}

// Page bounds a paginated projection. Defaults and caps are applied
// by NormalizePage, not by callers.
type Page struct {
	Limit  int
	Offset int
}

const (
	defaultPageLimit = 30
	maxPageLimit     = 200
)

// NormalizePage fills in the documented default and enforces the hard cap.
func NormalizePage(p Page) Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// SessionDetail is the session(id) projection result.
type SessionDetail struct {
	Session      Session
	FilesTouched []FileTouch
	ToolSummary  []ToolSummary
	Usage        TokenUsage
}

// ConversationRange selects a contiguous sequence-number window within
// a session's messages. Zero-value SinceSeq/UntilSeq mean unbounded.
type ConversationRange struct {
	SinceSeq int
	UntilSeq int // inclusive; 0 means "to the end"
}

// SearchFilter narrows a full-text search (spec.md §4.2.1).
type SearchFilter struct {
	Query      string
	ProjectDir string
	After      time.Time
	Before     time.Time
	Limit      int
}

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 200
)

// NormalizeSearchLimit fills in the documented default and cap.
func NormalizeSearchLimit(limit int) int {
	if limit <= 0 {
		return defaultSearchLimit
	}
	if limit > maxSearchLimit {
		return maxSearchLimit
	}
	return limit
}

// SearchHit is one ranked full-text match.
type SearchHit struct {
	SessionID   string
	SessionSlug string
	ProjectDir  string
	MessageUUID string
	Role        Role
	Snippet     string
	Timestamp   time.Time
}

// ActivityEntry is one row in the "recent activity" stream and the
// dashboard's last-50 feed.
type ActivityEntry struct {
	SessionID string
	Role      Role
	Preview   string
	Timestamp time.Time
}

// Dashboard is the dashboard() projection result.
type Dashboard struct {
	RecentActivity []ActivityEntry
	MessagesToday  int
	MessagesWeek   int
	TokensToday    TokenUsage
	TokensWeek     TokenUsage
}

// DayCount is one bucket of a group-by-day analytics rollup.
type DayCount struct {
	Day   string // YYYY-MM-DD
	Usage TokenUsage
}

// ProjectCount is one bucket of a group-by-project analytics rollup.
type ProjectCount struct {
	ProjectDir string
	Usage      TokenUsage
}

// ToolRollup is a name→count with a percentage share over the window.
type ToolRollup struct {
	Name      string
	Count     int
	PercentOf float64
}

// IdleCandidate is one row of the idle-check projection: a session
// whose last message fell within the lookback window, with enough of
// that last message's shape for the Idle Detector to decide and
// announce a needs_input transition (spec.md §4.5).
type IdleCandidate struct {
	SessionID          string
	Slug               string
	LastMessageAt      time.Time
	LastMessageRole    Role
	LastMessagePreview string
}

// PushSubscription is a full row from the push_subscriptions table.
type PushSubscription struct {
	Endpoint    string
	KeysJSON    string
	Description string
	CreatedAt   time.Time
}

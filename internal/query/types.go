// Package query implements the Query Facade of spec.md §4.9: the
// read-only projections the transport layer serves to clients.
// It is a thin composition layer over internal/store's aggregates,
// internal/processreg's live-process view, and an idle threshold
// applied the same way the Idle Detector applies it — no new storage or business state of its own.
package query

import (
	"time"

	"github.com/cmericli/claude-remote/internal/store"
)

// Activity is the fine-grained session lifecycle classification
// mirroring the teacher's session.Activity enum, kept here as the
// concrete vocabulary backing spec.md's three coarse buckets
// (running / idle-awaiting-input / done).
type Activity string

const (
	ActivityStarting Activity = "starting"
	ActivityThinking Activity = "thinking"
	ActivityToolUse  Activity = "tool_use"
	ActivityWaiting  Activity = "waiting"
	ActivityComplete Activity = "complete"
	ActivityLost     Activity = "lost"
)

// SessionView is a Session row annotated with the facade's derived
// fields: live-process status and lifecycle classification.
type SessionView struct {
	store.Session
	Running         bool
	MuxTarget       string
	Activity        Activity
	BurnRatePerMin  float64
	EstimatedCostUS float64
}

// SessionDetailView is the session(id) projection result, annotated
// the same way as SessionView.
type SessionDetailView struct {
	store.SessionDetail
	Running         bool
	MuxTarget       string
	Activity        Activity
	EstimatedCostUS float64
}

// DashboardView is the dashboard() projection result: the Store's
// activity/counters plus the facade's live-session overlay.
type DashboardView struct {
	ActiveSessions []SessionView
	RecentActivity []store.ActivityEntry
	MessagesToday  int
	MessagesWeek   int
	TokensToday    store.TokenUsage
	TokensWeek     store.TokenUsage
	CostTodayUSD   float64
	CostWeekUSD    float64
}

// ConversationView is the conversation(id, range) projection result.
type ConversationView struct {
	SessionID string
	Messages  []store.Message
}

// ModelPrice is a model family's price-per-million-tokens for each of
// the four accounted token kinds (spec.md §4.9).
type ModelPrice struct {
	InputPerMillion         float64
	OutputPerMillion        float64
	CacheReadPerMillion     float64
	CacheCreationPerMillion float64
}

// Cost is a computed dollar estimate for a TokenUsage, broken down by
// the four priced components so callers can show their work.
type Cost struct {
	InputUSD         float64
	OutputUSD        float64
	CacheReadUSD     float64
	CacheCreationUSD float64
	TotalUSD         float64
}

// ToolAnalytics wraps the store's per-name tool rollup for a window.
type ToolAnalytics struct {
	Since, Until time.Time
	Rollups      []store.ToolRollup
}

// TokenAnalytics wraps a by-day or by-project token rollup for a window.
type TokenAnalytics struct {
	Since, Until time.Time
	ByDay        []store.DayCount
	ByProject    []store.ProjectCount
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cmericli/claude-remote/internal/clock"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := Open(path, clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertSessionCoalescesByAssignment(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ts1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	if err := s.UpsertSession(ctx, SessionMeta{SessionID: "s1", Slug: "fix-bug", ProjectDir: "/work", Timestamp: ts1}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	ts2 := time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC)
	// Slug omitted on the second observation: must not clobber the stored value.
	if err := s.UpsertSession(ctx, SessionMeta{SessionID: "s1", Branch: "main", Timestamp: ts2}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	detail, err := s.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if detail.Session.Slug != "fix-bug" {
		t.Fatalf("expected slug to survive, got %q", detail.Session.Slug)
	}
	if detail.Session.Branch != "main" {
		t.Fatalf("expected branch to be set, got %q", detail.Session.Branch)
	}
	if !detail.Session.LastMessageAt.Equal(ts2) {
		t.Fatalf("expected last_message_at to advance to %v, got %v", ts2, detail.Session.LastMessageAt)
	}
}

func TestAppendMessagesAssignsDenseSequenceNumbers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	meta := SessionMeta{SessionID: "s1", Timestamp: time.Now()}

	records := []MessageRecord{
		{UUID: "m1", Role: RoleUser, Body: "hello", Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{UUID: "m2", Role: RoleAssistant, Body: "hi", Timestamp: time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)},
	}
	if err := s.AppendMessages(ctx, meta, records); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	conv, err := s.Conversation(ctx, "s1", ConversationRange{})
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(conv) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(conv))
	}
	if conv[0].SeqNum != 0 || conv[1].SeqNum != 1 {
		t.Fatalf("expected seq nums 0,1, got %d,%d", conv[0].SeqNum, conv[1].SeqNum)
	}

	// A second batch continues from the current maximum.
	more := []MessageRecord{
		{UUID: "m3", Role: RoleUser, Body: "thanks", Timestamp: time.Date(2026, 1, 1, 0, 0, 2, 0, time.UTC)},
	}
	if err := s.AppendMessages(ctx, meta, more); err != nil {
		t.Fatalf("AppendMessages (second batch): %v", err)
	}
	conv, err = s.Conversation(ctx, "s1", ConversationRange{})
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(conv) != 3 || conv[2].SeqNum != 2 {
		t.Fatalf("expected dense continuation to seq 2, got %+v", conv)
	}
}

// TestAppendMessagesIdempotent covers invariant I6: re-ingesting an
// already-ingested prefix is a no-op.
func TestAppendMessagesIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	meta := SessionMeta{SessionID: "s1", Timestamp: time.Now()}
	records := []MessageRecord{
		{UUID: "m1", Role: RoleUser, Body: "hello", Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	if err := s.AppendMessages(ctx, meta, records); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := s.AppendMessages(ctx, meta, records); err != nil {
		t.Fatalf("second append (re-ingest): %v", err)
	}

	conv, err := s.Conversation(ctx, "s1", ConversationRange{})
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(conv) != 1 {
		t.Fatalf("expected re-ingest to be a no-op, got %d messages", len(conv))
	}

	detail, err := s.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if detail.Session.MessageCount != 1 {
		t.Fatalf("expected message_count to stay 1 after re-ingest, got %d", detail.Session.MessageCount)
	}
}

func TestAppendMessagesStoresToolUsesAndFileEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	meta := SessionMeta{SessionID: "s1", Timestamp: time.Now()}
	records := []MessageRecord{
		{
			UUID: "m1", Role: RoleAssistant, Body: "editing", Timestamp: time.Now(),
			ToolUses:   []ToolInvocationRecord{{ToolUseID: "t1", Name: "Edit", Summary: "main.go", Timestamp: time.Now()}},
			FileEvents: []FileEventRecord{{Path: "main.go", Kind: FileEventEdit, Timestamp: time.Now()}},
		},
	}
	if err := s.AppendMessages(ctx, meta, records); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	detail, err := s.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(detail.ToolSummary) != 1 || detail.ToolSummary[0].Name != "Edit" || detail.ToolSummary[0].Count != 1 {
		t.Fatalf("unexpected tool summary: %+v", detail.ToolSummary)
	}
	if len(detail.FilesTouched) != 1 || detail.FilesTouched[0].Path != "main.go" {
		t.Fatalf("unexpected files touched: %+v", detail.FilesTouched)
	}

	conv, err := s.Conversation(ctx, "s1", ConversationRange{})
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(conv) != 1 || len(conv[0].ToolUses) != 1 {
		t.Fatalf("expected tool uses attached to conversation message, got %+v", conv)
	}
}

func TestAdvanceIngestOffsetMonotonicOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.UpsertSession(ctx, SessionMeta{SessionID: "s1", Timestamp: time.Now()}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.AdvanceIngestOffset(ctx, "s1", "/logs/s1.jsonl", 1000); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := s.AdvanceIngestOffset(ctx, "s1", "/logs/s1.jsonl", 500); err != nil {
		t.Fatalf("advance (regression attempt): %v", err)
	}

	detail, err := s.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if detail.Session.FileSizeBytes != 1000 {
		t.Fatalf("expected offset to stay at 1000, got %d", detail.Session.FileSizeBytes)
	}
}

func TestResetIngestOffsetAllowsLowering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.UpsertSession(ctx, SessionMeta{SessionID: "s1", Timestamp: time.Now()}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.AdvanceIngestOffset(ctx, "s1", "/logs/s1.jsonl", 10000); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := s.ResetIngestOffset(ctx, "s1", "/logs/s1.jsonl", 3000); err != nil {
		t.Fatalf("reset: %v", err)
	}

	detail, err := s.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if detail.Session.FileSizeBytes != 3000 {
		t.Fatalf("expected offset to reset down to 3000, got %d", detail.Session.FileSizeBytes)
	}
}

func TestSearchFindsPhraseAndToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	meta := SessionMeta{SessionID: "s1", Slug: "fix-bug", ProjectDir: "/work", Timestamp: time.Now()}
	records := []MessageRecord{
		{UUID: "m1", Role: RoleUser, Body: "please fix the parser bug today", Timestamp: time.Now()},
		{UUID: "m2", Role: RoleAssistant, Body: "unrelated text about cooking pasta", Timestamp: time.Now()},
	}
	if err := s.AppendMessages(ctx, meta, records); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	hits, err := s.Search(ctx, SearchFilter{Query: "parser"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageUUID != "m1" {
		t.Fatalf("expected single hit for m1, got %+v", hits)
	}

	hits, err = s.Search(ctx, SearchFilter{Query: `"fix the parser"`})
	if err != nil {
		t.Fatalf("Search (phrase): %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected phrase match, got %+v", hits)
	}
}

func TestDashboardCountsTodayMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC()
	meta := SessionMeta{SessionID: "s1", Timestamp: now}
	records := []MessageRecord{
		{UUID: "m1", Role: RoleUser, Body: "hello", Timestamp: now, Usage: TokenUsage{InputTokens: 5}},
	}
	if err := s.AppendMessages(ctx, meta, records); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	dash, err := s.Dashboard(ctx, now)
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if dash.MessagesToday != 1 {
		t.Fatalf("expected 1 message today, got %d", dash.MessagesToday)
	}
	if len(dash.RecentActivity) != 1 {
		t.Fatalf("expected 1 recent activity entry, got %d", len(dash.RecentActivity))
	}
}

func TestAnalyticsToolsPercentagesSumToHundred(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()
	meta := SessionMeta{SessionID: "s1", Timestamp: now}
	records := []MessageRecord{
		{UUID: "m1", Role: RoleAssistant, Timestamp: now, ToolUses: []ToolInvocationRecord{
			{ToolUseID: "t1", Name: "Read", Timestamp: now},
			{ToolUseID: "t2", Name: "Edit", Timestamp: now},
			{ToolUseID: "t3", Name: "Edit", Timestamp: now},
		}},
	}
	if err := s.AppendMessages(ctx, meta, records); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	rollups, err := s.AnalyticsTools(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("AnalyticsTools: %v", err)
	}
	var total float64
	for _, r := range rollups {
		total += r.PercentOf
	}
	if total < 99.9 || total > 100.1 {
		t.Fatalf("expected percentages to sum to ~100, got %v (%+v)", total, rollups)
	}
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Sessions lists sessions ordered by last_message_at desc, applying
// the documented pagination defaults and filters (spec.md §4.9).
func (s *Store) Sessions(ctx context.Context, filter SessionFilter, page Page) ([]Session, error) {
	page = NormalizePage(page)

	var where []string
	var args []any
	if filter.ProjectDir != "" {
		where = append(where, "project_dir = ?")
		args = append(args, filter.ProjectDir)
	}
	// Status is a derived classification (running/idle/done) computed
	// by the caller from Process Registry state and an idle threshold, not a
	// stored column; the store only filters on what it owns.

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_message_at DESC LIMIT ? OFFSET ?"
	args = append(args, page.Limit, page.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions query: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

const sessionColumns = `
	id, slug, project_dir, working_dir, branch, model,
	first_message_at, last_message_at,
	message_count, user_message_count, assistant_message_count, system_message_count,
	input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
	file_path, file_size_bytes, last_indexed_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var sess Session
	var firstMessageAt, lastMessageAt, lastIndexedAt sql.NullTime
	err := r.Scan(
		&sess.ID, &sess.Slug, &sess.ProjectDir, &sess.WorkingDir, &sess.Branch, &sess.Model,
		&firstMessageAt, &lastMessageAt,
		&sess.MessageCount, &sess.UserMessageCount, &sess.AssistantMessageCount, &sess.SystemMessageCount,
		&sess.InputTokens, &sess.OutputTokens, &sess.CacheReadTokens, &sess.CacheCreationTokens,
		&sess.FilePath, &sess.FileSizeBytes, &lastIndexedAt,
	)
	if err != nil {
		return Session{}, fmt.Errorf("scanning session: %w", err)
	}
	sess.FirstMessageAt = firstMessageAt.Time
	sess.LastMessageAt = lastMessageAt.Time
	sess.LastIndexedAt = lastIndexedAt.Time
	return sess, nil
}

// Session returns a single session's aggregates (spec.md §4.9).
func (s *Store) Session(ctx context.Context, id string) (SessionDetail, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return SessionDetail{}, fmt.Errorf("session %s: %w", id, sql.ErrNoRows)
		}
		return SessionDetail{}, err
	}

	files, err := s.filesTouched(ctx, id)
	if err != nil {
		return SessionDetail{}, err
	}
	tools, err := s.toolSummary(ctx, id)
	if err != nil {
		return SessionDetail{}, err
	}

	return SessionDetail{
		Session:      sess,
		FilesTouched: files,
		ToolSummary:  tools,
		Usage: TokenUsage{
			InputTokens:              sess.InputTokens,
			OutputTokens:             sess.OutputTokens,
			CacheReadInputTokens:     sess.CacheReadTokens,
			CacheCreationInputTokens: sess.CacheCreationTokens,
		},
	}, nil
}

func (s *Store) filesTouched(ctx context.Context, sessionID string) ([]FileTouch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, COUNT(*) FROM file_events WHERE session_id = ? GROUP BY path ORDER BY COUNT(*) DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("files_touched query: %w", err)
	}
	defer rows.Close()

	var out []FileTouch
	for rows.Next() {
		var ft FileTouch
		if err := rows.Scan(&ft.Path, &ft.Count); err != nil {
			return nil, fmt.Errorf("scanning file touch: %w", err)
		}
		out = append(out, ft)
	}
	return out, rows.Err()
}

func (s *Store) toolSummary(ctx context.Context, sessionID string) ([]ToolSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ti.name, COUNT(*)
		FROM tool_invocations ti
		JOIN messages m ON m.id = ti.message_id
		WHERE m.session_id = ?
		GROUP BY ti.name ORDER BY COUNT(*) DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("tool_summary query: %w", err)
	}
	defer rows.Close()

	var out []ToolSummary
	for rows.Next() {
		var ts ToolSummary
		if err := rows.Scan(&ts.Name, &ts.Count); err != nil {
			return nil, fmt.Errorf("scanning tool summary: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// Conversation returns a session's messages in sequence order within
// the given range, each with its tool_uses attached (spec.md §4.9).
func (s *Store) Conversation(ctx context.Context, sessionID string, rng ConversationRange) ([]Message, error) {
	query := `SELECT id, uuid, session_id, parent_uuid, role, body, reasoning, model,
		input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, timestamp, seq_num
		FROM messages WHERE session_id = ? AND seq_num >= ?`
	args := []any{sessionID, rng.SinceSeq}
	if rng.UntilSeq > 0 {
		query += " AND seq_num <= ?"
		args = append(args, rng.UntilSeq)
	}
	query += " ORDER BY seq_num ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation query: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.ID, &m.UUID, &m.SessionID, &m.ParentUUID, &role, &m.Body, &m.Reasoning, &m.Model,
			&m.Usage.InputTokens, &m.Usage.OutputTokens, &m.Usage.CacheReadInputTokens, &m.Usage.CacheCreationInputTokens,
			&m.Timestamp, &m.SeqNum); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = Role(role)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachToolUses(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *Store) attachToolUses(ctx context.Context, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	byID := make(map[int64]*Message, len(messages))
	placeholders := make([]string, len(messages))
	ids := make([]any, len(messages))
	for i := range messages {
		byID[messages[i].ID] = &messages[i]
		placeholders[i] = "?"
		ids[i] = messages[i].ID
	}

	query := fmt.Sprintf(`
		SELECT message_id, tool_use_id, name, summary, timestamp
		FROM tool_invocations WHERE message_id IN (%s)
		ORDER BY id ASC
	`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, ids...)
	if err != nil {
		return fmt.Errorf("tool_uses query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID int64
		var tu ToolInvocationRecord
		if err := rows.Scan(&messageID, &tu.ToolUseID, &tu.Name, &tu.Summary, &tu.Timestamp); err != nil {
			return fmt.Errorf("scanning tool use: %w", err)
		}
		if m, ok := byID[messageID]; ok {
			m.ToolUses = append(m.ToolUses, tu)
		}
	}
	return rows.Err()
}

// Search runs a full-text query over Message body + reasoning (spec.md §4.2.1).
// Bare tokens are AND-matched by FTS5's default; double-quoted phrases
// already parse as FTS5 phrase queries with no translation needed.
func (s *Store) Search(ctx context.Context, filter SearchFilter) ([]SearchHit, error) {
	limit := NormalizeSearchLimit(filter.Limit)

	ftsQuery := buildFTSQuery(filter.Query)
	if ftsQuery == "" {
		return nil, nil
	}

	query := `
		SELECT s.id, s.slug, s.project_dir, m.uuid, m.role, snippet(messages_fts, 0, '[', ']', '...', 10), m.timestamp
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		JOIN sessions s ON s.id = m.session_id
		WHERE messages_fts MATCH ?
	`
	args := []any{ftsQuery}
	if filter.ProjectDir != "" {
		query += " AND s.project_dir = ?"
		args = append(args, filter.ProjectDir)
	}
	if !filter.After.IsZero() {
		query += " AND m.timestamp >= ?"
		args = append(args, filter.After)
	}
	if !filter.Before.IsZero() {
		query += " AND m.timestamp <= ?"
		args = append(args, filter.Before)
	}
	query += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var hit SearchHit
		var role string
		if err := rows.Scan(&hit.SessionID, &hit.SessionSlug, &hit.ProjectDir, &hit.MessageUUID, &role, &hit.Snippet, &hit.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning search hit: %w", err)
		}
		hit.Role = Role(role)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// minFTSTokenLen is the minimum length of a bare token kept in the FTS
// query; shorter bare tokens are dropped (spec.md §4.2.1 lets them
// remain; this repo drops them).
const minFTSTokenLen = 2

// buildFTSQuery translates a user search string into an FTS5 MATCH
// expression: double-quoted phrases pass through verbatim; bare
// tokens shorter than minFTSTokenLen are dropped.
func buildFTSQuery(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var parts []string
	var i int
	for i < len(raw) {
		if raw[i] == '"' {
			end := strings.IndexByte(raw[i+1:], '"')
			if end == -1 {
				// Unterminated quote: treat the rest as a bare phrase.
				phrase := strings.TrimSpace(raw[i+1:])
				if phrase != "" {
					parts = append(parts, `"`+phrase+`"`)
				}
				break
			}
			phrase := raw[i+1 : i+1+end]
			if strings.TrimSpace(phrase) != "" {
				parts = append(parts, `"`+phrase+`"`)
			}
			i += end + 2
			continue
		}
		j := i
		for j < len(raw) && raw[j] != ' ' && raw[j] != '"' {
			j++
		}
		token := raw[i:j]
		if len(token) >= minFTSTokenLen {
			parts = append(parts, token)
		}
		i = j
		for i < len(raw) && raw[i] == ' ' {
			i++
		}
	}
	return strings.Join(parts, " AND ")
}

// ActiveForIdleCheck returns, for every session whose last message
// timestamp is at or after since, the session id/slug and the role,
// timestamp, and body preview of that session's highest-seq_num
// message (spec.md §4.5: "last Message is within the last 24h").
func (s *Store) ActiveForIdleCheck(ctx context.Context, since time.Time) ([]IdleCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.slug, m.role, m.body, m.timestamp
		FROM sessions s
		JOIN messages m ON m.session_id = s.id
		JOIN (
			SELECT session_id, MAX(seq_num) AS max_seq FROM messages GROUP BY session_id
		) last ON last.session_id = m.session_id AND last.max_seq = m.seq_num
		WHERE s.last_message_at >= ?
	`, since)
	if err != nil {
		return nil, fmt.Errorf("active for idle check: %w", err)
	}
	defer rows.Close()

	var out []IdleCandidate
	for rows.Next() {
		var c IdleCandidate
		var role string
		if err := rows.Scan(&c.SessionID, &c.Slug, &role, &c.LastMessagePreview, &c.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scanning idle candidate: %w", err)
		}
		c.LastMessageRole = Role(role)
		c.LastMessagePreview = truncatePreview(c.LastMessagePreview, 120)
		out = append(out, c)
	}
	return out, rows.Err()
}

// TokensSince sums a session's input+output token counts for messages
// timestamped at or after since, used by the Query Facade to derive a
// token-velocity ("burn rate") figure (spec.md SPEC_FULL §supplemented
// features, grounded on the teacher's calculateBurnRate).
func (s *Store) TokensSince(ctx context.Context, sessionID string, since time.Time) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens + output_tokens), 0)
		FROM messages WHERE session_id = ? AND timestamp >= ?
	`, sessionID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("tokens since: %w", err)
	}
	return total, nil
}

// Dashboard returns active-session-independent aggregates: recent
// activity and today/this-week counters (spec.md §4.9). The active
// sessions list itself is assembled by the Query Facade from the
// Process Registry, not from the Store.
func (s *Store) Dashboard(ctx context.Context, now time.Time) (Dashboard, error) {
	activity, err := s.recentActivity(ctx, 50)
	if err != nil {
		return Dashboard{}, err
	}

	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	startOfWeek := startOfDay.AddDate(0, 0, -int(now.Weekday()))

	msgsToday, tokensToday, err := s.periodTotals(ctx, startOfDay)
	if err != nil {
		return Dashboard{}, err
	}
	msgsWeek, tokensWeek, err := s.periodTotals(ctx, startOfWeek)
	if err != nil {
		return Dashboard{}, err
	}

	return Dashboard{
		RecentActivity: activity,
		MessagesToday:  msgsToday,
		MessagesWeek:   msgsWeek,
		TokensToday:    tokensToday,
		TokensWeek:     tokensWeek,
	}, nil
}

func (s *Store) recentActivity(ctx context.Context, limit int) ([]ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, role, body, timestamp FROM messages
		ORDER BY timestamp DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent_activity query: %w", err)
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var role, body string
		if err := rows.Scan(&e.SessionID, &role, &body, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		e.Role = Role(role)
		e.Preview = truncatePreview(body, 120)
		out = append(out, e)
	}
	return out, rows.Err()
}

func truncatePreview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (s *Store) periodTotals(ctx context.Context, since time.Time) (int, TokenUsage, error) {
	var count int
	var usage TokenUsage
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
			COALESCE(SUM(cache_read_tokens),0), COALESCE(SUM(cache_creation_tokens),0)
		FROM messages WHERE timestamp >= ?
	`, since).Scan(&count, &usage.InputTokens, &usage.OutputTokens, &usage.CacheReadInputTokens, &usage.CacheCreationInputTokens)
	if err != nil {
		return 0, TokenUsage{}, fmt.Errorf("period totals: %w", err)
	}
	return count, usage, nil
}

// AnalyticsTokensByDay rolls up token usage by calendar day over [since, until).
func (s *Store) AnalyticsTokensByDay(ctx context.Context, since, until time.Time) ([]DayCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date(timestamp) as day,
			COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
			COALESCE(SUM(cache_read_tokens),0), COALESCE(SUM(cache_creation_tokens),0)
		FROM messages WHERE timestamp >= ? AND timestamp < ?
		GROUP BY day ORDER BY day ASC
	`, since, until)
	if err != nil {
		return nil, fmt.Errorf("analytics tokens by day: %w", err)
	}
	defer rows.Close()

	var out []DayCount
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Usage.InputTokens, &dc.Usage.OutputTokens,
			&dc.Usage.CacheReadInputTokens, &dc.Usage.CacheCreationInputTokens); err != nil {
			return nil, fmt.Errorf("scanning day count: %w", err)
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

// AnalyticsTokensByProject rolls up token usage by project directory
// over [since, until).
func (s *Store) AnalyticsTokensByProject(ctx context.Context, since, until time.Time) ([]ProjectCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.project_dir,
			COALESCE(SUM(m.input_tokens),0), COALESCE(SUM(m.output_tokens),0),
			COALESCE(SUM(m.cache_read_tokens),0), COALESCE(SUM(m.cache_creation_tokens),0)
		FROM messages m JOIN sessions s ON s.id = m.session_id
		WHERE m.timestamp >= ? AND m.timestamp < ?
		GROUP BY s.project_dir ORDER BY 2 DESC
	`, since, until)
	if err != nil {
		return nil, fmt.Errorf("analytics tokens by project: %w", err)
	}
	defer rows.Close()

	var out []ProjectCount
	for rows.Next() {
		var pc ProjectCount
		if err := rows.Scan(&pc.ProjectDir, &pc.Usage.InputTokens, &pc.Usage.OutputTokens,
			&pc.Usage.CacheReadInputTokens, &pc.Usage.CacheCreationInputTokens); err != nil {
			return nil, fmt.Errorf("scanning project count: %w", err)
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

// AnalyticsTools rolls up tool invocation counts by name over
// [since, until), with each row's percentage share of the total
// (spec.md §4.9: "percentages summing to 100 ±rounding").
func (s *Store) AnalyticsTools(ctx context.Context, since, until time.Time) ([]ToolRollup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ti.name, COUNT(*)
		FROM tool_invocations ti JOIN messages m ON m.id = ti.message_id
		WHERE m.timestamp >= ? AND m.timestamp < ?
		GROUP BY ti.name ORDER BY COUNT(*) DESC
	`, since, until)
	if err != nil {
		return nil, fmt.Errorf("analytics tools: %w", err)
	}
	defer rows.Close()

	var out []ToolRollup
	var total int
	for rows.Next() {
		var tr ToolRollup
		if err := rows.Scan(&tr.Name, &tr.Count); err != nil {
			return nil, fmt.Errorf("scanning tool rollup: %w", err)
		}
		total += tr.Count
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if total == 0 {
		return out, nil
	}
	for i := range out {
		out[i].PercentOf = float64(out[i].Count) / float64(total) * 100
	}
	return out, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cmericli/claude-remote/internal/clock"
)

// Store is the embedded Index Store. All writes are serialized behind
// writeMu, mirroring the single-owner-goroutine discipline the
// teacher's Broadcaster.flush() applies to its pendingUpdates queue
// under flushMu — here the analogous shared mutable resource is the
// database's write path rather than an in-memory slice. Reads run
// directly against the shared *sql.DB connection pool and are not
// subject to writeMu, per spec.md §5 ("read paths do not require the
// mutex and must tolerate concurrent writes").
type Store struct {
	db      *sql.DB
	clock   clock.Clock
	writeMu sync.Mutex
}

// Open creates (if needed) and opens the SQLite database at path,
// applying the schema and version check.
func Open(path string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// SQLite tolerates only one writer at a time regardless of Go-level
	// locking; a single connection avoids SQLITE_BUSY under our own
	// writeMu discipline. Reads share that one connection too, so a read
	// waits while a write transaction holds it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, clock: clk}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertSession inserts or updates the session row's metadata fields.
// Metadata fields use coalesce-by-assignment: an empty Slug/ProjectDir/
// WorkingDir/Branch/Model in meta leaves the stored value untouched
// (spec.md §4.2: "coalesces counters by assignment, not addition" —
// applied here to identity fields; counters themselves are only ever
// mutated by AppendMessages).
func (s *Store) UpsertSession(ctx context.Context, meta SessionMeta) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert_session: %w", err)
	}
	defer tx.Rollback()

	if err := upsertSessionTx(tx, meta); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertSessionTx(tx *sql.Tx, meta SessionMeta) error {
	_, err := tx.Exec(`
		INSERT INTO sessions (id, slug, project_dir, working_dir, branch, model, first_message_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			slug        = CASE WHEN excluded.slug        != '' THEN excluded.slug        ELSE sessions.slug        END,
			project_dir = CASE WHEN excluded.project_dir != '' THEN excluded.project_dir ELSE sessions.project_dir END,
			working_dir = CASE WHEN excluded.working_dir != '' THEN excluded.working_dir ELSE sessions.working_dir END,
			branch      = CASE WHEN excluded.branch      != '' THEN excluded.branch      ELSE sessions.branch      END,
			model       = CASE WHEN excluded.model       != '' THEN excluded.model       ELSE sessions.model       END,
			last_message_at = CASE WHEN excluded.last_message_at > sessions.last_message_at
				THEN excluded.last_message_at ELSE sessions.last_message_at END
	`, meta.SessionID, meta.Slug, meta.ProjectDir, meta.WorkingDir, meta.Branch, meta.Model, meta.Timestamp, meta.Timestamp)
	if err != nil {
		return fmt.Errorf("upsert_session: %w", err)
	}
	return nil
}

// AppendMessages inserts Message + ToolInvocation + FileEvent rows for
// one session atomically, assigning dense per-session sequence numbers
// continuing from the current maximum (I2). Messages whose uuid is
// already present are silently skipped — the idempotence invariant
// (I6): re-ingesting an already-ingested prefix is a no-op. Session
// counters are incremented only for rows actually inserted, keeping
// them equal to the sum over the session's Messages (I4).
func (s *Store) AppendMessages(ctx context.Context, meta SessionMeta, records []MessageRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append_messages: %w", err)
	}
	defer tx.Rollback()

	if err := upsertSessionTx(tx, meta); err != nil {
		return err
	}

	nextSeq, err := nextSeqNum(tx, meta.SessionID)
	if err != nil {
		return err
	}

	var deltaUsage TokenUsage
	var deltaUser, deltaAssistant, deltaSystem int
	var lastTimestamp time.Time

	for _, rec := range records {
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO messages
				(uuid, session_id, parent_uuid, role, body, reasoning, model,
				 input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
				 timestamp, seq_num)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.UUID, meta.SessionID, rec.ParentUUID, string(rec.Role), rec.Body, rec.Reasoning, rec.Model,
			rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Usage.CacheReadInputTokens, rec.Usage.CacheCreationInputTokens,
			rec.Timestamp, nextSeq)
		if err != nil {
			return fmt.Errorf("insert message %s: %w", rec.UUID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected for message %s: %w", rec.UUID, err)
		}
		if affected == 0 {
			// Already ingested; skip without consuming a sequence number.
			continue
		}

		messageID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id for message %s: %w", rec.UUID, err)
		}

		for _, tu := range rec.ToolUses {
			if _, err := tx.Exec(`
				INSERT INTO tool_invocations (message_id, tool_use_id, name, summary, timestamp)
				VALUES (?, ?, ?, ?, ?)
			`, messageID, tu.ToolUseID, tu.Name, tu.Summary, tu.Timestamp); err != nil {
				return fmt.Errorf("insert tool invocation for message %s: %w", rec.UUID, err)
			}
		}
		for _, fe := range rec.FileEvents {
			if _, err := tx.Exec(`
				INSERT INTO file_events (session_id, path, kind, timestamp)
				VALUES (?, ?, ?, ?)
			`, meta.SessionID, fe.Path, string(fe.Kind), fe.Timestamp); err != nil {
				return fmt.Errorf("insert file event for message %s: %w", rec.UUID, err)
			}
		}

		nextSeq++
		deltaUsage.InputTokens += rec.Usage.InputTokens
		deltaUsage.OutputTokens += rec.Usage.OutputTokens
		deltaUsage.CacheReadInputTokens += rec.Usage.CacheReadInputTokens
		deltaUsage.CacheCreationInputTokens += rec.Usage.CacheCreationInputTokens
		switch rec.Role {
		case RoleUser:
			deltaUser++
		case RoleAssistant:
			deltaAssistant++
		case RoleSystem:
			deltaSystem++
		}
		if rec.Timestamp.After(lastTimestamp) {
			lastTimestamp = rec.Timestamp
		}
	}

	if _, err := tx.Exec(`
		UPDATE sessions SET
			message_count = message_count + ?,
			user_message_count = user_message_count + ?,
			assistant_message_count = assistant_message_count + ?,
			system_message_count = system_message_count + ?,
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			cache_read_tokens = cache_read_tokens + ?,
			cache_creation_tokens = cache_creation_tokens + ?,
			last_message_at = CASE WHEN ? > last_message_at THEN ? ELSE last_message_at END,
			last_indexed_at = ?
		WHERE id = ?
	`, deltaUser+deltaAssistant+deltaSystem, deltaUser, deltaAssistant, deltaSystem,
		deltaUsage.InputTokens, deltaUsage.OutputTokens, deltaUsage.CacheReadInputTokens, deltaUsage.CacheCreationInputTokens,
		lastTimestamp, lastTimestamp, s.clock.Now().UTC(), meta.SessionID); err != nil {
		return fmt.Errorf("updating session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append_messages: %w", err)
	}
	return nil
}

func nextSeqNum(tx *sql.Tx, sessionID string) (int, error) {
	var max sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq_num) FROM messages WHERE session_id = ?`, sessionID).Scan(&max); err != nil {
		return 0, fmt.Errorf("reading max seq_num: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

// AdvanceIngestOffset records the new byte-size watermark for a
// session's backing file. Callers must only advance: a newOffset less
// than or equal to the stored value is ignored (and logged), since the
// Watcher may hand the Indexer overlapping deltas after a retry.
func (s *Store) AdvanceIngestOffset(ctx context.Context, sessionID, path string, newOffset int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET file_path = ?, file_size_bytes = ?
		WHERE id = ? AND ? > file_size_bytes
	`, path, newOffset, sessionID, newOffset)
	if err != nil {
		return fmt.Errorf("advance_ingest_offset: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		log.Printf("[store] advance_ingest_offset(%s) did not advance (offset %d not greater than stored)", sessionID, newOffset)
	}
	return nil
}

// ResetIngestOffset unconditionally sets the stored byte-size watermark,
// unlike AdvanceIngestOffset's monotonic guard. Callers must use this
// instead of AdvanceIngestOffset when a file has been truncated and
// re-parsed from scratch: the new size can be smaller than what's
// currently stored, and the monotonic guard would silently no-op,
// wedging ingestion at the stale pre-truncation watermark forever.
func (s *Store) ResetIngestOffset(ctx context.Context, sessionID, path string, newOffset int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET file_path = ?, file_size_bytes = ?
		WHERE id = ?
	`, path, newOffset, sessionID)
	if err != nil {
		return fmt.Errorf("reset_ingest_offset: %w", err)
	}
	return nil
}

// AddSubscription inserts or replaces a push subscription by endpoint.
func (s *Store) AddSubscription(ctx context.Context, sub PushSubscription) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (endpoint, keys_json, description, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET keys_json = excluded.keys_json, description = excluded.description
	`, sub.Endpoint, sub.KeysJSON, sub.Description, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("add_subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription, e.g. after a permanent
// delivery failure (spec.md §4.8).
func (s *Store) DeleteSubscription(ctx context.Context, endpoint string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	if err != nil {
		return fmt.Errorf("delete_subscription: %w", err)
	}
	return nil
}

// ListSubscriptions returns all registered push subscriptions.
func (s *Store) ListSubscriptions(ctx context.Context) ([]PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT endpoint, keys_json, description, created_at FROM push_subscriptions`)
	if err != nil {
		return nil, fmt.Errorf("list_subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []PushSubscription
	for rows.Next() {
		var sub PushSubscription
		if err := rows.Scan(&sub.Endpoint, &sub.KeysJSON, &sub.Description, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

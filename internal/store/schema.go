package store

import (
	"database/sql"
	"fmt"
)

// schemaVersion is bumped whenever the DDL below changes shape.
// migrate() compares it against schema_meta.version and refuses to
// open a database stamped with a newer version than this binary knows
// about (spec.md §6: "migrated by explicit version checks").
const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_meta (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id                       TEXT PRIMARY KEY,
	slug                     TEXT NOT NULL DEFAULT '',
	project_dir              TEXT NOT NULL DEFAULT '',
	working_dir              TEXT NOT NULL DEFAULT '',
	branch                   TEXT NOT NULL DEFAULT '',
	model                    TEXT NOT NULL DEFAULT '',
	first_message_at         TIMESTAMP,
	last_message_at          TIMESTAMP,
	message_count            INTEGER NOT NULL DEFAULT 0,
	user_message_count       INTEGER NOT NULL DEFAULT 0,
	assistant_message_count  INTEGER NOT NULL DEFAULT 0,
	system_message_count     INTEGER NOT NULL DEFAULT 0,
	input_tokens             INTEGER NOT NULL DEFAULT 0,
	output_tokens            INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens        INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens    INTEGER NOT NULL DEFAULT 0,
	file_path                TEXT NOT NULL DEFAULT '',
	file_size_bytes          INTEGER NOT NULL DEFAULT 0,
	last_indexed_at          TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid                  TEXT NOT NULL UNIQUE,
	session_id            TEXT NOT NULL REFERENCES sessions(id),
	parent_uuid           TEXT NOT NULL DEFAULT '',
	role                  TEXT NOT NULL,
	body                  TEXT NOT NULL DEFAULT '',
	reasoning             TEXT NOT NULL DEFAULT '',
	model                 TEXT NOT NULL DEFAULT '',
	input_tokens          INTEGER NOT NULL DEFAULT 0,
	output_tokens         INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	timestamp             TIMESTAMP NOT NULL,
	seq_num               INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq_num);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);

CREATE TABLE IF NOT EXISTS tool_invocations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id  INTEGER NOT NULL REFERENCES messages(id),
	tool_use_id TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL,
	summary     TEXT NOT NULL DEFAULT '',
	timestamp   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tool_invocations_message ON tool_invocations(message_id);
CREATE INDEX IF NOT EXISTS idx_tool_invocations_name ON tool_invocations(name);

CREATE TABLE IF NOT EXISTS file_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	path       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	timestamp  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_file_events_session ON file_events(session_id);
CREATE INDEX IF NOT EXISTS idx_file_events_path ON file_events(session_id, path);

CREATE TABLE IF NOT EXISTS push_subscriptions (
	endpoint    TEXT PRIMARY KEY,
	keys_json   TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	body,
	reasoning,
	content='messages',
	content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
	INSERT INTO messages_fts(rowid, body, reasoning) VALUES (new.id, new.body, new.reasoning);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, body, reasoning) VALUES ('delete', old.id, old.body, old.reasoning);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_au AFTER UPDATE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, body, reasoning) VALUES ('delete', old.id, old.body, old.reasoning);
	INSERT INTO messages_fts(rowid, body, reasoning) VALUES (new.id, new.body, new.reasoning);
END;
`

// migrate creates the schema on first run and enforces the version
// check spec.md §6 calls for. It never destroys data: a database at an
// older known version would get incremental ALTERs here once
// schemaVersion moves past 1; none exist yet.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}

	row := db.QueryRow(`SELECT version FROM schema_meta LIMIT 1`)
	var version int
	switch err := row.Scan(&version); err {
	case sql.ErrNoRows:
		if _, err := db.Exec(`INSERT INTO schema_meta(version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("stamping schema version: %w", err)
		}
	case nil:
		if version > schemaVersion {
			return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", version, schemaVersion)
		}
	default:
		return fmt.Errorf("reading schema version: %w", err)
	}
	return nil
}

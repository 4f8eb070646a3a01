package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one idempotent, versioned schema step. Migrations never
// rewrite history — once applied, a version's SQL is fixed; schema changes
// land as a new, higher-numbered migration.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{1, schemaV1},
	{2, seedThemesV2},
	{3, addMessageSummaryInfoV3},
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS chats (
	local_id INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT NOT NULL UNIQUE,
	chat_identifier TEXT NOT NULL DEFAULT '',
	display_name TEXT,
	is_archived INTEGER NOT NULL DEFAULT 0,
	is_pinned INTEGER NOT NULL DEFAULT 0,
	mute_type TEXT,
	mute_args TEXT,
	has_unread_message INTEGER NOT NULL DEFAULT 0,
	latest_message_date_ms INTEGER,
	date_deleted_ms INTEGER,
	style TEXT NOT NULL DEFAULT 'direct'
);

CREATE TABLE IF NOT EXISTS handles (
	local_id INTEGER PRIMARY KEY AUTOINCREMENT,
	address TEXT NOT NULL,
	service TEXT NOT NULL,
	contact_id INTEGER,
	UNIQUE(address, service)
);
CREATE INDEX IF NOT EXISTS idx_handles_contact ON handles(contact_id);

CREATE TABLE IF NOT EXISTS chat_handles (
	chat_local_id INTEGER NOT NULL,
	handle_local_id INTEGER NOT NULL,
	PRIMARY KEY (chat_local_id, handle_local_id)
);
CREATE INDEX IF NOT EXISTS idx_chat_handles_handle ON chat_handles(handle_local_id);

CREATE TABLE IF NOT EXISTS messages (
	local_id INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT NOT NULL UNIQUE,
	chat_local_id INTEGER NOT NULL,
	handle_local_id INTEGER,
	text TEXT,
	subject TEXT,
	is_from_me INTEGER NOT NULL DEFAULT 0,
	date_created_ms INTEGER,
	date_read_ms INTEGER,
	date_delivered_ms INTEGER,
	date_edited_ms INTEGER,
	date_deleted_ms INTEGER,
	error_code INTEGER,
	associated_message_guid TEXT,
	associated_message_type TEXT,
	thread_originator_guid TEXT,
	item_type INTEGER,
	has_attachments INTEGER NOT NULL DEFAULT 0,
	has_reactions INTEGER NOT NULL DEFAULT 0,
	is_bookmarked INTEGER NOT NULL DEFAULT 0,
	balloon_bundle_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_date ON messages(chat_local_id, date_created_ms);
CREATE INDEX IF NOT EXISTS idx_messages_chat_date_id ON messages(chat_local_id, date_created_ms, local_id);
CREATE INDEX IF NOT EXISTS idx_messages_assoc ON messages(associated_message_guid);

CREATE TABLE IF NOT EXISTS attachments (
	local_id INTEGER PRIMARY KEY AUTOINCREMENT,
	guid TEXT NOT NULL UNIQUE,
	message_local_id INTEGER NOT NULL,
	mime_type TEXT,
	transfer_name TEXT,
	total_bytes INTEGER,
	file_extension TEXT
);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_local_id);

CREATE TABLE IF NOT EXISTS contacts (
	local_id INTEGER PRIMARY KEY AUTOINCREMENT,
	external_id TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	phones_json TEXT NOT NULL DEFAULT '[]',
	emails_json TEXT NOT NULL DEFAULT '[]',
	avatar BLOB
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS themes (
	local_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	is_dark INTEGER NOT NULL DEFAULT 0,
	json TEXT NOT NULL
);
`

const seedThemesV2 = `
INSERT OR IGNORE INTO themes (name, is_dark, json) VALUES
	('light', 0, '{"name":"light","background":"#ffffff","foreground":"#000000"}'),
	('dark', 1, '{"name":"dark","background":"#000000","foreground":"#ffffff"}');
`

// addMessageSummaryInfoV3 adds the opaque server-provided summary blob (edit
// history, retraction metadata) to the COALESCE set in spec §8 invariant 1:
// never-regress-to-null applies to it the same as text/date_* fields.
const addMessageSummaryInfoV3 = `
ALTER TABLE messages ADD COLUMN message_summary_info TEXT;
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	current, err := s.currentSchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) currentSchemaVersion(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	var v int
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := execMultiStatement(ctx, tx, m.sql); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
		return err
	}

	return tx.Commit()
}

// execMultiStatement runs each ';'-terminated statement in a migration
// block. The driver's Exec does not split multi-statement scripts for us,
// so migrations are kept to simple, semicolon-separated DDL/DML without
// embedded semicolons in string literals.
func execMultiStatement(ctx context.Context, tx *sql.Tx, script string) error {
	stmts := splitStatements(script)
	for _, stmt := range stmts {
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	start := 0
	for i := 0; i < len(script); i++ {
		if script[i] == ';' {
			out = append(out, trimSpace(script[start:i]))
			start = i + 1
		}
	}
	if trimmed := trimSpace(script[start:]); trimmed != "" {
		out = append(out, trimmed)
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

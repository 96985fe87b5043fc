package database

import (
	"database/sql"
	"fmt"
)

// Schema is applied in full on startup. CREATE IF NOT EXISTS keeps restarts
// idempotent. The unique index on (kind, pair_key) is what guarantees at most
// one DIRECT room per unordered participant pair; a racing second insert hits
// the constraint and the directory retries its lookup instead.
const Schema = `
CREATE TABLE IF NOT EXISTS students (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	school_code TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS teachers (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	school_code TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS classes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	school_code TEXT NOT NULL,
	teacher_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL CHECK (kind IN ('GROUP', 'DIRECT')),
	name TEXT,
	school_code TEXT NOT NULL,
	class_id TEXT,
	pair_key TEXT,
	last_message_id TEXT,
	last_message_at DATETIME,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_by TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_rooms_direct_pair
	ON rooms(kind, pair_key) WHERE kind = 'DIRECT';
CREATE INDEX IF NOT EXISTS idx_rooms_class ON rooms(class_id);

CREATE TABLE IF NOT EXISTS room_members (
	room_id TEXT NOT NULL REFERENCES rooms(id),
	user_id TEXT NOT NULL,
	user_role TEXT NOT NULL CHECK (user_role IN ('student', 'teacher')),
	member_role TEXT NOT NULL CHECK (member_role IN ('ADMIN', 'MEMBER')),
	PRIMARY KEY (room_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	sender_name TEXT NOT NULL DEFAULT '',
	sender_role TEXT NOT NULL CHECK (sender_role IN ('student', 'teacher')),
	kind TEXT NOT NULL CHECK (kind IN ('TEXT', 'IMAGE', 'FILE')),
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_room_time ON messages(room_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);
`

// ApplySchema creates all tables and indexes.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// ValidateSchema verifies the required tables exist, catching a database file
// created by an older incompatible build before any query fails at runtime.
func ValidateSchema(db *sql.DB) error {
	required := []string{"students", "teachers", "classes", "rooms", "room_members", "messages"}
	for _, table := range required {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

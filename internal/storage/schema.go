// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"database/sql"
	"fmt"
	"strconv"
)

const (
	// SchemaVersion is the schema version the current binary expects.
	SchemaVersion = 1
)

// metadataSchema bootstraps the metadata table that carries the schema
// version. This is the only statement allowed to run unconditionally; all
// real schema changes go through versioned migrations.
const metadataSchema = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;
`

// migration is a single versioned schema step. Migrations are applied in
// order inside a transaction together with the schema_version bump, so a
// crash mid-migration leaves the previous version intact.
type migration struct {
	version int
	apply   string
}

// Timestamps are Unix milliseconds. updated_at is refreshed on every
// appended message and drives the recent-conversations ordering.
var migrations = []migration{
	{
		version: 1,
		apply: `
CREATE TABLE conversations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX idx_conversations_updated_at ON conversations(updated_at);

CREATE TABLE messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id INTEGER NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX idx_messages_conversation_id ON messages(conversation_id);
CREATE INDEX idx_messages_created_at ON messages(conversation_id, created_at);
`,
	},
}

// currentVersion reads the stored schema version. A missing row means a
// fresh database (version 0).
func currentVersion(db *sql.DB) (int, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM metadata WHERE key = 'schema_version'`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	version, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("corrupt schema version %q: %w", value, err)
	}
	return version, nil
}

// migrate brings the database up to SchemaVersion, applying each pending
// migration atomically with its version bump.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(metadataSchema); err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}

	version, err := currentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec(m.apply); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}

		if _, err := tx.Exec(
			`INSERT INTO metadata (key, value) VALUES ('schema_version', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			strconv.Itoa(m.version),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record schema version %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}

		version = m.version
	}

	return nil
}

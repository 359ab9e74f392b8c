// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

// SchemaVersion is recorded in the metadata table.
const SchemaVersion = "1"

// Schema creates every table. Timestamps are Unix nanoseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chats (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	incognito  INTEGER NOT NULL DEFAULT 0,
	consented  INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq                INTEGER PRIMARY KEY AUTOINCREMENT,
	id                 TEXT NOT NULL UNIQUE,
	chat_id            TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	role               TEXT NOT NULL,
	text               TEXT NOT NULL DEFAULT '',
	stream_state       TEXT NOT NULL,
	truncated          INTEGER NOT NULL DEFAULT 0,
	error              TEXT NOT NULL DEFAULT '',
	grounding_status   TEXT NOT NULL DEFAULT 'NONE',
	grounding_metadata TEXT,
	supersedes_id      TEXT NOT NULL DEFAULT '',
	persona_id         TEXT NOT NULL DEFAULT '',
	input_tokens       INTEGER NOT NULL DEFAULT 0,
	output_tokens      INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL,
	edited_at          INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq);

CREATE TABLE IF NOT EXISTS memories (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id        TEXT NOT NULL,
	message_id     TEXT NOT NULL DEFAULT '',
	persona_id     TEXT NOT NULL DEFAULT '',
	user_text      TEXT NOT NULL,
	assistant_text TEXT NOT NULL,
	created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_chat ON memories(chat_id, id);
`

// InitMetadata seeds the metadata table.
const InitMetadata = `
INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '` + SchemaVersion + `');
`

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides chat and message persistence for rigrun-chat.
//
// Two Store implementations share one contract:
//
//   - SQLiteStore: durable storage in a single SQLite file (pure Go driver)
//   - MemoryStore: process-local storage for ephemeral sessions and tests
//
// # Identifiers
//
// The orchestrator streams into messages with transient "tmp_" IDs. The
// first assistant chunk written with an empty MessageID creates the row and
// returns its durable "msg_" ID; later chunks use that ID. Callers are
// expected to rekey their own state when the IDs differ.
//
// # Appending
//
// AppendOrCreateAssistantChunk appends Delta to the stored text, so callers
// send only the bytes written since their previous flush. A final chunk
// replaces the stored grounding data and marks the row COMPLETE.
//
// # Memories
//
// Both stores also implement memory.Sink by appending to a memories table.
//
// # Storage Location
//
// The default database lives at ~/.rigrun-chat/chat.db.
package storage

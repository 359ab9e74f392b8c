// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/rigrun-chat/internal/memory"
	"github.com/jeranaias/rigrun-chat/internal/model"
)

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore persists chats, messages and memories in SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// DefaultDatabasePath returns ~/.rigrun-chat/chat.db.
func DefaultDatabasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".rigrun-chat", "chat.db"), nil
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path cannot be empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// =============================================================================
// CHATS
// =============================================================================

// CreateChat inserts or updates a chat row.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat *model.Chat) error {
	if err := s.check(); err != nil {
		return opErr("create_chat", chat.ID, err)
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = chat.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, title, incognito, consented, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			incognito = excluded.incognito,
			consented = excluded.consented,
			updated_at = excluded.updated_at`,
		chat.ID, chat.Title, chat.Incognito, chat.Consented,
		chat.CreatedAt.UnixNano(), chat.UpdatedAt.UnixNano())
	return opErr("create_chat", chat.ID, err)
}

// GetChat loads a chat.
func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	if err := s.check(); err != nil {
		return nil, opErr("get_chat", id, err)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, incognito, consented, created_at, updated_at
		FROM chats WHERE id = ?`, id)

	var c model.Chat
	var created, updated int64
	if err := row.Scan(&c.ID, &c.Title, &c.Incognito, &c.Consented, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, opErr("get_chat", id, ErrChatNotFound)
		}
		return nil, opErr("get_chat", id, err)
	}
	c.CreatedAt = time.Unix(0, created)
	c.UpdatedAt = time.Unix(0, updated)
	return &c, nil
}

// ListChats returns every chat, most recently updated first.
func (s *SQLiteStore) ListChats(ctx context.Context) ([]ChatSummary, error) {
	if err := s.check(); err != nil {
		return nil, opErr("list_chats", "", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.incognito, c.consented, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.chat_id = c.id),
			COALESCE((SELECT m.text FROM messages m
				WHERE m.chat_id = c.id AND m.role = 'user'
				ORDER BY m.seq LIMIT 1), '')
		FROM chats c
		ORDER BY c.updated_at DESC`)
	if err != nil {
		return nil, opErr("list_chats", "", err)
	}
	defer rows.Close()

	var out []ChatSummary
	for rows.Next() {
		var sum ChatSummary
		var created, updated int64
		var first string
		if err := rows.Scan(&sum.Chat.ID, &sum.Chat.Title, &sum.Chat.Incognito, &sum.Chat.Consented,
			&created, &updated, &sum.MessageCount, &first); err != nil {
			return nil, opErr("list_chats", "", err)
		}
		sum.Chat.CreatedAt = time.Unix(0, created)
		sum.Chat.UpdatedAt = time.Unix(0, updated)
		sum.Preview = preview(first)
		out = append(out, sum)
	}
	return out, opErr("list_chats", "", rows.Err())
}

// DeleteChat removes a chat and its messages.
func (s *SQLiteStore) DeleteChat(ctx context.Context, id string) error {
	if err := s.check(); err != nil {
		return opErr("delete_chat", id, err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return opErr("delete_chat", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return opErr("delete_chat", id, ErrChatNotFound)
	}
	return nil
}

// ensureChat creates a bare chat row so messages can reference it.
func ensureChat(ctx context.Context, tx *sql.Tx, chatID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		chatID, at.UnixNano(), at.UnixNano())
	return err
}

// =============================================================================
// MESSAGES
// =============================================================================

func newDurableID() string {
	return "msg_" + uuid.NewString()
}

// AppendUserMessage stores a user message under a new durable ID.
func (s *SQLiteStore) AppendUserMessage(ctx context.Context, msg model.Message) (string, error) {
	if err := s.check(); err != nil {
		return "", opErr("append_user", msg.ChatID, err)
	}
	at := msg.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	id := newDurableID()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureChat(ctx, tx, msg.ChatID, at); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, chat_id, role, text, stream_state, supersedes_id, persona_id,
				created_at, updated_at, edited_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, msg.ChatID, string(model.RoleUser), msg.Text, string(model.StreamComplete),
			msg.SupersedesMessageID, msg.PersonaID, at.UnixNano(), at.UnixNano(), unixNano(msg.EditedAt))
		return err
	})
	if err != nil {
		return "", opErr("append_user", msg.ChatID, err)
	}
	return id, nil
}

// AppendOrCreateAssistantChunk appends text to an assistant message,
// creating the row when chunk.MessageID is empty. Returns the durable ID.
func (s *SQLiteStore) AppendOrCreateAssistantChunk(ctx context.Context, chunk AssistantChunk) (string, error) {
	if err := s.check(); err != nil {
		return "", opErr("append_chunk", chunk.MessageID, err)
	}
	at := chunk.At
	if at.IsZero() {
		at = time.Now()
	}

	mdJSON, err := encodeMetadata(chunk.GroundingMetadata)
	if err != nil {
		return "", opErr("append_chunk", chunk.MessageID, err)
	}
	state := model.StreamStreaming
	if chunk.IsFinal {
		state = model.StreamComplete
	}

	id := chunk.MessageID
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if id == "" {
			id = newDurableID()
			if err := ensureChat(ctx, tx, chunk.ChatID, at); err != nil {
				return err
			}
			status := chunk.GroundingStatus
			if status == "" {
				status = model.GroundingNone
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO messages (id, chat_id, role, text, stream_state, grounding_status,
					grounding_metadata, persona_id, input_tokens, output_tokens, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, chunk.ChatID, string(model.RoleAssistant), chunk.Delta, string(state),
				string(status), mdJSON, chunk.PersonaID, chunk.InputTokens, chunk.OutputTokens,
				at.UnixNano(), at.UnixNano())
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET
				text = text || ?,
				stream_state = ?,
				truncated = CASE WHEN ? THEN 0 ELSE truncated END,
				input_tokens = MAX(input_tokens, ?),
				output_tokens = MAX(output_tokens, ?),
				updated_at = ?
			WHERE id = ?`,
			chunk.Delta, string(state), chunk.IsFinal, chunk.InputTokens, chunk.OutputTokens,
			at.UnixNano(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrMessageNotFound
		}

		switch {
		case chunk.IsFinal:
			status := chunk.GroundingStatus
			if status == "" {
				status = model.GroundingNone
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE messages SET grounding_status = ?, grounding_metadata = ? WHERE id = ?`,
				string(status), mdJSON, id)
		case chunk.GroundingStatus != "" || chunk.GroundingMetadata != nil:
			_, err = tx.ExecContext(ctx, `
				UPDATE messages SET
					grounding_status = COALESCE(NULLIF(?, ''), grounding_status),
					grounding_metadata = COALESCE(?, grounding_metadata)
				WHERE id = ?`,
				string(chunk.GroundingStatus), mdJSON, id)
		}
		return err
	})
	if err != nil {
		return "", opErr("append_chunk", id, err)
	}
	return id, nil
}

// OverwriteText replaces a message's text.
func (s *SQLiteStore) OverwriteText(ctx context.Context, id, text string, at time.Time) error {
	return s.update(ctx, "overwrite_text", id,
		`UPDATE messages SET text = ?, updated_at = ? WHERE id = ?`,
		text, at.UnixNano(), id)
}

// UpdateStreamState sets the lifecycle columns.
func (s *SQLiteStore) UpdateStreamState(ctx context.Context, id string, state model.StreamState, truncated bool, at time.Time) error {
	return s.update(ctx, "update_state", id,
		`UPDATE messages SET stream_state = ?, truncated = ?, updated_at = ? WHERE id = ?`,
		string(state), truncated && state == model.StreamComplete, at.UnixNano(), id)
}

// MarkError records a failure and clears grounding.
func (s *SQLiteStore) MarkError(ctx context.Context, id, errMsg string, state model.StreamState, at time.Time) error {
	return s.update(ctx, "mark_error", id, `
		UPDATE messages SET
			error = ?, stream_state = ?, truncated = 0,
			grounding_status = 'NONE', grounding_metadata = NULL,
			updated_at = ?
		WHERE id = ?`,
		errMsg, string(state), at.UnixNano(), id)
}

func (s *SQLiteStore) update(ctx context.Context, op, id, query string, args ...any) error {
	if err := s.check(); err != nil {
		return opErr(op, id, err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return opErr(op, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return opErr(op, id, ErrMessageNotFound)
	}
	return nil
}

const messageColumns = `id, chat_id, role, text, stream_state, truncated, error,
	grounding_status, grounding_metadata, supersedes_id, persona_id,
	input_tokens, output_tokens, created_at, updated_at, edited_at`

// GetByID loads one message.
func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*model.Message, error) {
	if err := s.check(); err != nil {
		return nil, opErr("get_message", id, err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, opErr("get_message", id, ErrMessageNotFound)
		}
		return nil, opErr("get_message", id, err)
	}
	return msg, nil
}

// ListMessages returns a chat's messages in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string) ([]*model.Message, error) {
	if err := s.check(); err != nil {
		return nil, opErr("list_messages", chatID, err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? ORDER BY seq`, chatID)
	if err != nil {
		return nil, opErr("list_messages", chatID, err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, opErr("list_messages", chatID, err)
		}
		out = append(out, msg)
	}
	return out, opErr("list_messages", chatID, rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (*model.Message, error) {
	var (
		m                         model.Message
		role, state, status       string
		md                        sql.NullString
		created, updated, edited  int64
		inputTokens, outputTokens int
	)
	if err := sc.Scan(&m.ID, &m.ChatID, &role, &m.Text, &state, &m.Truncated, &m.Error,
		&status, &md, &m.SupersedesMessageID, &m.PersonaID,
		&inputTokens, &outputTokens, &created, &updated, &edited); err != nil {
		return nil, err
	}
	m.Role = model.Role(role)
	m.StreamState = model.ParseStreamState(state)
	m.GroundingStatus = model.ParseGroundingStatus(status)
	if md.Valid && md.String != "" {
		var meta model.GroundingMetadata
		if err := json.Unmarshal([]byte(md.String), &meta); err != nil {
			return nil, fmt.Errorf("decode grounding metadata: %w", err)
		}
		m.GroundingMetadata = &meta
	}
	m.Stats.InputTokens = inputTokens
	m.Stats.OutputTokens = outputTokens
	m.CreatedAt = time.Unix(0, created)
	m.UpdatedAt = time.Unix(0, updated)
	if edited != 0 {
		m.EditedAt = time.Unix(0, edited)
	}
	return &m, nil
}

// =============================================================================
// MEMORIES
// =============================================================================

// Ingest implements memory.Sink.
func (s *SQLiteStore) Ingest(ctx context.Context, rec memory.Record) error {
	if err := s.check(); err != nil {
		return opErr("ingest", rec.ChatID, err)
	}
	at := rec.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (chat_id, message_id, persona_id, user_text, assistant_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ChatID, rec.MessageID, rec.PersonaID, rec.UserText, rec.AssistantText, at.UnixNano())
	return opErr("ingest", rec.ChatID, err)
}

// Memories returns a chat's ingested records, oldest first.
func (s *SQLiteStore) Memories(ctx context.Context, chatID string) ([]memory.Record, error) {
	if err := s.check(); err != nil {
		return nil, opErr("memories", chatID, err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, message_id, persona_id, user_text, assistant_text, created_at
		FROM memories WHERE chat_id = ? ORDER BY id`, chatID)
	if err != nil {
		return nil, opErr("memories", chatID, err)
	}
	defer rows.Close()

	var out []memory.Record
	for rows.Next() {
		var rec memory.Record
		var at int64
		if err := rows.Scan(&rec.ChatID, &rec.MessageID, &rec.PersonaID, &rec.UserText, &rec.AssistantText, &at); err != nil {
			return nil, opErr("memories", chatID, err)
		}
		rec.Timestamp = time.Unix(0, at)
		out = append(out, rec)
	}
	return out, opErr("memories", chatID, rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func encodeMetadata(md *model.GroundingMetadata) (any, error) {
	if md == nil {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode grounding metadata: %w", err)
	}
	return string(b), nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

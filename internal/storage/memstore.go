// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-chat/internal/memory"
	"github.com/jeranaias/rigrun-chat/internal/model"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore keeps everything in process memory. It follows the same
// contract as SQLiteStore, including durable IDs that differ from the
// transient ones.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int
	chats    map[string]*model.Chat
	messages map[string]*model.Message
	order    map[string][]string // chat ID -> message IDs
	memories []memory.Record
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    make(map[string]*model.Chat),
		messages: make(map[string]*model.Message),
		order:    make(map[string][]string),
	}
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) nextID() string {
	s.seq++
	return fmt.Sprintf("msg_%06d", s.seq)
}

func (s *MemoryStore) ensureChat(chatID string, at time.Time) {
	if c, ok := s.chats[chatID]; ok {
		c.UpdatedAt = at
		return
	}
	s.chats[chatID] = &model.Chat{ID: chatID, Consented: true, CreatedAt: at, UpdatedAt: at}
}

// CreateChat inserts or updates a chat.
func (s *MemoryStore) CreateChat(_ context.Context, chat *model.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return opErr("create_chat", chat.ID, ErrClosed)
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = chat.CreatedAt
	}
	c := *chat
	s.chats[chat.ID] = &c
	return nil
}

// GetChat returns a copy of a chat.
func (s *MemoryStore) GetChat(_ context.Context, id string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, opErr("get_chat", id, ErrClosed)
	}
	c, ok := s.chats[id]
	if !ok {
		return nil, opErr("get_chat", id, ErrChatNotFound)
	}
	out := *c
	return &out, nil
}

// ListChats returns every chat, most recently updated first.
func (s *MemoryStore) ListChats(_ context.Context) ([]ChatSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, opErr("list_chats", "", ErrClosed)
	}
	out := make([]ChatSummary, 0, len(s.chats))
	for id, c := range s.chats {
		sum := ChatSummary{Chat: *c, MessageCount: len(s.order[id])}
		for _, mid := range s.order[id] {
			if m := s.messages[mid]; m.Role == model.RoleUser {
				sum.Preview = preview(m.Text)
				break
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Chat.UpdatedAt.After(out[j].Chat.UpdatedAt)
	})
	return out, nil
}

// DeleteChat removes a chat and its messages.
func (s *MemoryStore) DeleteChat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return opErr("delete_chat", id, ErrClosed)
	}
	if _, ok := s.chats[id]; !ok {
		return opErr("delete_chat", id, ErrChatNotFound)
	}
	for _, mid := range s.order[id] {
		delete(s.messages, mid)
	}
	delete(s.order, id)
	delete(s.chats, id)
	return nil
}

// AppendUserMessage stores a user message under a new durable ID.
func (s *MemoryStore) AppendUserMessage(_ context.Context, msg model.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", opErr("append_user", msg.ChatID, ErrClosed)
	}
	at := msg.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	s.ensureChat(msg.ChatID, at)

	stored := msg.Clone()
	stored.ID = s.nextID()
	stored.Role = model.RoleUser
	stored.StreamState = model.StreamComplete
	stored.CreatedAt = at
	stored.UpdatedAt = at
	s.messages[stored.ID] = &stored
	s.order[msg.ChatID] = append(s.order[msg.ChatID], stored.ID)
	return stored.ID, nil
}

// AppendOrCreateAssistantChunk appends text, creating the message when
// chunk.MessageID is empty.
func (s *MemoryStore) AppendOrCreateAssistantChunk(_ context.Context, chunk AssistantChunk) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", opErr("append_chunk", chunk.MessageID, ErrClosed)
	}
	at := chunk.At
	if at.IsZero() {
		at = time.Now()
	}

	var m *model.Message
	if chunk.MessageID == "" {
		s.ensureChat(chunk.ChatID, at)
		m = &model.Message{
			ID:              s.nextID(),
			ChatID:          chunk.ChatID,
			Role:            model.RoleAssistant,
			GroundingStatus: model.GroundingNone,
			PersonaID:       chunk.PersonaID,
			CreatedAt:       at,
		}
		s.messages[m.ID] = m
		s.order[chunk.ChatID] = append(s.order[chunk.ChatID], m.ID)
	} else {
		var ok bool
		if m, ok = s.messages[chunk.MessageID]; !ok {
			return "", opErr("append_chunk", chunk.MessageID, ErrMessageNotFound)
		}
	}

	m.Text += chunk.Delta
	m.Stats.MergeTokens(chunk.InputTokens, chunk.OutputTokens)
	m.UpdatedAt = at
	if chunk.IsFinal {
		m.StreamState = model.StreamComplete
		m.Truncated = false
		m.GroundingStatus = chunk.GroundingStatus
		if m.GroundingStatus == "" {
			m.GroundingStatus = model.GroundingNone
		}
		m.GroundingMetadata = chunk.GroundingMetadata.Clone()
	} else {
		m.StreamState = model.StreamStreaming
		if chunk.GroundingStatus != "" {
			m.GroundingStatus = chunk.GroundingStatus
		}
		if chunk.GroundingMetadata != nil {
			m.GroundingMetadata = chunk.GroundingMetadata.Clone()
		}
	}
	return m.ID, nil
}

func (s *MemoryStore) mutate(op, id string, fn func(m *model.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return opErr(op, id, ErrClosed)
	}
	m, ok := s.messages[id]
	if !ok {
		return opErr(op, id, ErrMessageNotFound)
	}
	fn(m)
	return nil
}

// OverwriteText replaces a message's text.
func (s *MemoryStore) OverwriteText(_ context.Context, id, text string, at time.Time) error {
	return s.mutate("overwrite_text", id, func(m *model.Message) {
		m.Text = text
		m.UpdatedAt = at
	})
}

// UpdateStreamState sets the lifecycle fields.
func (s *MemoryStore) UpdateStreamState(_ context.Context, id string, state model.StreamState, truncated bool, at time.Time) error {
	return s.mutate("update_state", id, func(m *model.Message) {
		m.StreamState = state
		m.Truncated = truncated && state == model.StreamComplete
		m.UpdatedAt = at
	})
}

// MarkError records a failure and clears grounding.
func (s *MemoryStore) MarkError(_ context.Context, id, errMsg string, state model.StreamState, at time.Time) error {
	return s.mutate("mark_error", id, func(m *model.Message) {
		m.Error = errMsg
		m.StreamState = state
		m.Truncated = false
		m.GroundingStatus = model.GroundingNone
		m.GroundingMetadata = nil
		m.UpdatedAt = at
	})
}

// GetByID returns a copy of one message.
func (s *MemoryStore) GetByID(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, opErr("get_message", id, ErrClosed)
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, opErr("get_message", id, ErrMessageNotFound)
	}
	out := m.Clone()
	return &out, nil
}

// ListMessages returns copies of a chat's messages in insertion order.
func (s *MemoryStore) ListMessages(_ context.Context, chatID string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, opErr("list_messages", chatID, ErrClosed)
	}
	ids := s.order[chatID]
	out := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		m := s.messages[id].Clone()
		out = append(out, &m)
	}
	return out, nil
}

// Ingest implements memory.Sink.
func (s *MemoryStore) Ingest(_ context.Context, rec memory.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return opErr("ingest", rec.ChatID, ErrClosed)
	}
	s.memories = append(s.memories, rec)
	return nil
}

// Memories returns a chat's ingested records, oldest first.
func (s *MemoryStore) Memories(_ context.Context, chatID string) ([]memory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []memory.Record
	for _, rec := range s.memories {
		if rec.ChatID == chatID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/rigrun-chat/internal/memory"
	"github.com/jeranaias/rigrun-chat/internal/model"
)

// =============================================================================
// STORE CONTRACT
// =============================================================================

// AssistantChunk is one flush of assistant text.
type AssistantChunk struct {
	ChatID string

	// MessageID is empty for the first flush of a new message.
	MessageID string

	// Delta is appended to the stored text.
	Delta string

	// IsFinal marks the last write of a stream. It replaces the grounding
	// columns and sets the row COMPLETE.
	IsFinal bool

	// Grounding is written when non-empty, and always on a final chunk.
	GroundingStatus   model.GroundingStatus
	GroundingMetadata *model.GroundingMetadata

	PersonaID    string
	InputTokens  int
	OutputTokens int
	At           time.Time
}

// ChatSummary is a chat row plus counts for listing.
type ChatSummary struct {
	Chat         model.Chat
	MessageCount int
	Preview      string // First user message truncated
}

// Store is the full persistence contract.
type Store interface {
	CreateChat(ctx context.Context, chat *model.Chat) error
	GetChat(ctx context.Context, id string) (*model.Chat, error)
	ListChats(ctx context.Context) ([]ChatSummary, error)
	DeleteChat(ctx context.Context, id string) error

	AppendUserMessage(ctx context.Context, msg model.Message) (string, error)
	AppendOrCreateAssistantChunk(ctx context.Context, chunk AssistantChunk) (string, error)
	OverwriteText(ctx context.Context, id, text string, at time.Time) error
	UpdateStreamState(ctx context.Context, id string, state model.StreamState, truncated bool, at time.Time) error
	MarkError(ctx context.Context, id, errMsg string, state model.StreamState, at time.Time) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]*model.Message, error)

	Ingest(ctx context.Context, rec memory.Record) error
	Memories(ctx context.Context, chatID string) ([]memory.Record, error)

	Close() error
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrMessageNotFound is returned when a message doesn't exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrChatNotFound is returned when a chat doesn't exist.
	ErrChatNotFound = errors.New("chat not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// StoreError wraps a failed store operation with its target.
type StoreError struct {
	Op  string
	ID  string
	Err error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func opErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, ID: id, Err: err}
}

// previewLen bounds ChatSummary.Preview.
const previewLen = 80

func preview(text string) string {
	m := model.Message{Text: text}
	return m.Preview(previewLen)
}

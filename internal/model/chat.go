// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// Chat holds the identity and privacy flags of a conversation.
type Chat struct {
	ID    string `json:"id"`
	Title string `json:"title"`

	// Incognito disables memory ingestion and durable storage.
	Incognito bool `json:"incognito"`

	// Consented governs whether turns persist at all.
	Consented bool `json:"consented"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewChat creates a consented, non-incognito chat with a generated ID.
func NewChat(title string) *Chat {
	now := time.Now()
	return &Chat{
		ID:        "chat_" + uuid.NewString(),
		Title:     title,
		Consented: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// PersistsTurns reports whether a turn sent with the given incognito flag
// may be written to the message store.
func (c *Chat) PersistsTurns(incognito bool) bool {
	return c.Consented && !c.Incognito && !incognito
}

// =============================================================================
// TURN
// =============================================================================

// TurnKind distinguishes the three ways a turn is started.
type TurnKind int

const (
	TurnSend TurnKind = iota
	TurnRegenerate
	TurnContinue
)

// String returns a short name for logs and metrics.
func (k TurnKind) String() string {
	switch k {
	case TurnSend:
		return "send"
	case TurnRegenerate:
		return "regenerate"
	case TurnContinue:
		return "continue"
	default:
		return "unknown"
	}
}

// Turn is the ephemeral unit of work for one send, regenerate or continue
// call. It is never stored.
type Turn struct {
	Kind               TurnKind
	ChatID             string
	UserText           string
	Prompt             string
	AssistantMessageID string
	PersonaID          string
	Incognito          bool
	Grounding          bool
}

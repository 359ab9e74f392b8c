// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chats, turns and messages.
package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// STREAM STATE
// =============================================================================

// StreamState is the lifecycle position of a message.
type StreamState string

const (
	StreamIdle      StreamState = "IDLE"
	StreamSending   StreamState = "SENDING"
	StreamStreaming StreamState = "STREAMING"
	StreamComplete  StreamState = "COMPLETE"
	StreamError     StreamState = "ERROR"
)

// String returns the string representation of the state.
func (s StreamState) String() string {
	return string(s)
}

// ParseStreamState converts a stored value back to a StreamState.
// Unknown values map to StreamIdle.
func ParseStreamState(s string) StreamState {
	switch StreamState(s) {
	case StreamSending, StreamStreaming, StreamComplete, StreamError:
		return StreamState(s)
	default:
		return StreamIdle
	}
}

// =============================================================================
// GROUNDING
// =============================================================================

// GroundingStatus tracks web-search grounding independently of StreamState.
type GroundingStatus string

const (
	GroundingNone      GroundingStatus = "NONE"
	GroundingSearching GroundingStatus = "SEARCHING"
	GroundingSuccess   GroundingStatus = "SUCCESS"
	GroundingFailed    GroundingStatus = "FAILED"
)

// ParseGroundingStatus converts a stored value back to a GroundingStatus.
func ParseGroundingStatus(s string) GroundingStatus {
	switch GroundingStatus(s) {
	case GroundingSearching, GroundingSuccess, GroundingFailed:
		return GroundingStatus(s)
	default:
		return GroundingNone
	}
}

// GroundingSource is one piece of web evidence.
type GroundingSource struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// GroundingMetadata is the structured web-search evidence attached to a reply.
type GroundingMetadata struct {
	Queries []string          `json:"queries,omitempty"`
	Sources []GroundingSource `json:"sources,omitempty"`
}

// Clone returns a deep copy. Nil-safe.
func (g *GroundingMetadata) Clone() *GroundingMetadata {
	if g == nil {
		return nil
	}
	out := &GroundingMetadata{}
	if len(g.Queries) > 0 {
		out.Queries = append([]string(nil), g.Queries...)
	}
	if len(g.Sources) > 0 {
		out.Sources = append([]GroundingSource(nil), g.Sources...)
	}
	return out
}

// IsEmpty reports whether the metadata carries no evidence.
func (g *GroundingMetadata) IsEmpty() bool {
	return g == nil || (len(g.Queries) == 0 && len(g.Sources) == 0)
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a chat.
type Message struct {
	// Identity
	ID     string `json:"id"`
	ChatID string `json:"chat_id"`
	Role   Role   `json:"role"`

	// Content
	Text string `json:"text"`

	// Lifecycle
	StreamState StreamState `json:"stream_state"`
	Truncated   bool        `json:"truncated,omitempty"`
	Error       string      `json:"error,omitempty"`

	// RetryAfterSeconds is set when the message failed on a rate limit.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`

	// Grounding (assistant messages)
	GroundingStatus   GroundingStatus    `json:"grounding_status"`
	GroundingMetadata *GroundingMetadata `json:"grounding_metadata,omitempty"`

	// Edited resends point back at the message they replace.
	SupersedesMessageID string `json:"supersedes_message_id,omitempty"`
	PersonaID           string `json:"persona_id,omitempty"`

	// Statistics (assistant messages)
	Stats Statistics `json:"stats"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	EditedAt  time.Time `json:"edited_at,omitempty"`
}

// NewTransientID returns an id for a message that has not been persisted yet.
func NewTransientID() string {
	return "tmp_" + uuid.NewString()
}

// IsTransientID reports whether id was produced by NewTransientID.
func IsTransientID(id string) bool {
	return len(id) > 4 && id[:4] == "tmp_"
}

// NewUserMessage creates a user message that is already complete.
func NewUserMessage(chatID, text string) *Message {
	now := time.Now()
	return &Message{
		ID:              NewTransientID(),
		ChatID:          chatID,
		Role:            RoleUser,
		Text:            text,
		StreamState:     StreamComplete,
		GroundingStatus: GroundingNone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// NewAssistantMessage creates an empty assistant message in the IDLE state.
func NewAssistantMessage(chatID string) *Message {
	now := time.Now()
	return &Message{
		ID:              NewTransientID(),
		ChatID:          chatID,
		Role:            RoleAssistant,
		StreamState:     StreamIdle,
		GroundingStatus: GroundingNone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (m *Message) Clone() Message {
	out := *m
	out.GroundingMetadata = m.GroundingMetadata.Clone()
	return out
}

// IsStreaming reports whether a stream is writing into this message.
func (m *Message) IsStreaming() bool {
	return m.StreamState == StreamStreaming || m.StreamState == StreamSending
}

// CanContinue reports whether the continuation operation is offered.
func (m *Message) CanContinue() bool {
	return m.Role == RoleAssistant && m.StreamState == StreamComplete && m.Truncated
}

// Preview returns a truncated preview of the message text.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	runes := []rune(m.Text)
	if len(runes) <= maxLen {
		return m.Text
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// Touch updates UpdatedAt.
func (m *Message) Touch(now time.Time) {
	m.UpdatedAt = now
}

// =============================================================================
// STATISTICS TYPE
// =============================================================================

// Statistics holds timing and token count information for a generation.
type Statistics struct {
	StartTime      time.Time `json:"start_time,omitempty"`
	FirstTokenTime time.Time `json:"first_token_time,omitempty"`
	EndTime        time.Time `json:"end_time,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	TTFT          time.Duration `json:"ttft_ns,omitempty"`
	TotalDuration time.Duration `json:"total_duration_ns,omitempty"`
}

// Start resets the statistics for a new generation.
func (s *Statistics) Start(now time.Time) {
	*s = Statistics{StartTime: now}
}

// RecordFirstToken records when the first token was received.
func (s *Statistics) RecordFirstToken(now time.Time) {
	if s.FirstTokenTime.IsZero() {
		s.FirstTokenTime = now
		s.TTFT = now.Sub(s.StartTime)
	}
}

// MergeTokens folds the counts reported by a chunk. Services report running
// totals, so the largest value seen wins.
func (s *Statistics) MergeTokens(input, output int) {
	if input > s.InputTokens {
		s.InputTokens = input
	}
	if output > s.OutputTokens {
		s.OutputTokens = output
	}
}

// Finalize computes the total duration.
func (s *Statistics) Finalize(now time.Time) {
	s.EndTime = now
	if !s.StartTime.IsZero() {
		s.TotalDuration = now.Sub(s.StartTime)
	}
}

// TokensPerSecond returns the output generation speed.
func (s *Statistics) TokensPerSecond() float64 {
	if s.TotalDuration <= 0 {
		return 0
	}
	return float64(s.OutputTokens) / s.TotalDuration.Seconds()
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// MaxMessages is the maximum number of messages kept in memory per chat.
// When exceeded, the oldest messages are pruned.
const MaxMessages = 1000

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is the ordered in-memory history of one chat.
//
// Conversation is not safe for concurrent use; the orchestrator serializes
// access with its own lock.
type Conversation struct {
	ChatID   string
	messages []*Message
}

// NewConversation creates an empty conversation for a chat.
func NewConversation(chatID string) *Conversation {
	return &Conversation{
		ChatID:   chatID,
		messages: make([]*Message, 0),
	}
}

// NewConversationFrom creates a conversation from already loaded messages.
func NewConversationFrom(chatID string, messages []*Message) *Conversation {
	c := NewConversation(chatID)
	for _, m := range messages {
		c.Append(m)
	}
	return c
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// Append adds a message to the end of the conversation and returns it.
func (c *Conversation) Append(msg *Message) *Message {
	msg.ChatID = c.ChatID
	c.messages = append(c.messages, msg)
	c.pruneOldMessages()
	return msg
}

// Get returns a message by ID, or nil.
func (c *Conversation) Get(id string) *Message {
	if i := c.Index(id); i >= 0 {
		return c.messages[i]
	}
	return nil
}

// Index returns the position of a message, or -1.
func (c *Conversation) Index(id string) int {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// PrecedingUser scans backward from the message with the given ID and
// returns the nearest earlier user message, or nil.
func (c *Conversation) PrecedingUser(id string) *Message {
	i := c.Index(id)
	if i < 0 {
		return nil
	}
	for j := i - 1; j >= 0; j-- {
		if c.messages[j].Role == RoleUser {
			return c.messages[j]
		}
	}
	return nil
}

// Next returns the message right after the one with the given ID, or nil.
func (c *Conversation) Next(id string) *Message {
	i := c.Index(id)
	if i < 0 || i+1 >= len(c.messages) {
		return nil
	}
	return c.messages[i+1]
}

// Rekey replaces a message ID in place. Returns false if oldID is unknown.
func (c *Conversation) Rekey(oldID, newID string) bool {
	msg := c.Get(oldID)
	if msg == nil {
		return false
	}
	msg.ID = newID
	return true
}

// History returns copies of the settled messages before the message with
// the given ID. Streaming and failed messages are left out. An unknown ID
// returns the whole settled history.
func (c *Conversation) History(beforeID string) []Message {
	end := c.Index(beforeID)
	if end < 0 {
		end = len(c.messages)
	}
	out := make([]Message, 0, end)
	for _, m := range c.messages[:end] {
		if m.StreamState != StreamComplete || m.Text == "" {
			continue
		}
		out = append(out, m.Clone())
	}
	return out
}

// Snapshot returns copies of every message in order.
func (c *Conversation) Snapshot() []Message {
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.Clone()
	}
	return out
}

// Last returns the most recent message, or nil if empty.
func (c *Conversation) Last() *Message {
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	return len(c.messages)
}

// pruneOldMessages drops the oldest messages above MaxMessages.
func (c *Conversation) pruneOldMessages() {
	if len(c.messages) <= MaxMessages {
		return
	}
	excess := len(c.messages) - MaxMessages
	kept := make([]*Message, MaxMessages)
	copy(kept, c.messages[excess:])
	c.messages = kept
}

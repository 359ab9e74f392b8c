// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// USAGE TRACKER
// =============================================================================

// TokenCount tracks input/output tokens.
type TokenCount struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Total returns input plus output.
func (t TokenCount) Total() int {
	return t.Input + t.Output
}

// ChatUsage is the running total for one chat.
type ChatUsage struct {
	ChatID    string        `json:"chat_id"`
	Turns     int           `json:"turns"`
	Tokens    TokenCount    `json:"tokens"`
	Streaming time.Duration `json:"streaming_ns"`
	LastTurn  time.Time     `json:"last_turn"`
}

// Usage tracks token usage per chat for the current session.
type Usage struct {
	mu    sync.RWMutex
	chats map[string]*ChatUsage
}

// NewUsage creates an empty tracker.
func NewUsage() *Usage {
	return &Usage{chats: make(map[string]*ChatUsage)}
}

// Record adds one finished turn.
func (u *Usage) Record(chatID string, tokens TokenCount, d time.Duration, at time.Time) {
	if u == nil {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	c, ok := u.chats[chatID]
	if !ok {
		c = &ChatUsage{ChatID: chatID}
		u.chats[chatID] = c
	}
	c.Turns++
	c.Tokens.Input += tokens.Input
	c.Tokens.Output += tokens.Output
	c.Streaming += d
	c.LastTurn = at
}

// Chat returns the usage for one chat.
func (u *Usage) Chat(chatID string) (ChatUsage, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	c, ok := u.chats[chatID]
	if !ok {
		return ChatUsage{}, false
	}
	return *c, true
}

// All returns every chat's usage, most recent first.
func (u *Usage) All() []ChatUsage {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]ChatUsage, 0, len(u.chats))
	for _, c := range u.chats {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastTurn.After(out[j].LastTurn)
	})
	return out
}

// Format returns a one-line summary.
func (c ChatUsage) Format() string {
	tps := 0.0
	if c.Streaming > 0 {
		tps = float64(c.Tokens.Output) / c.Streaming.Seconds()
	}
	return fmt.Sprintf("%d turns | %d in / %d out tokens | %.1f tok/s",
		c.Turns, c.Tokens.Input, c.Tokens.Output, tps)
}

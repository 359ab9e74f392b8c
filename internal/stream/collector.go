// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"strings"
	"sync"
)

// =============================================================================
// COLLECTOR
// =============================================================================

// Collector accumulates streamed chunks into a running buffer.
//
// Chunks are applied strictly in the order Append is called, so every value
// returned by Current is a prefix of every later value.
//
// Thread-safety: Append is called from the streaming goroutine while Current
// may be read by observers, so all operations take the mutex.
type Collector struct {
	mu sync.Mutex
	// PERFORMANCE: strings.Builder avoids quadratic allocations
	buf    strings.Builder
	seeded int
	chunks int
	done   bool
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// NewCollectorWithPrefix creates a collector whose buffer starts with prefix.
// Continuations use it so streamed chunks extend the existing text.
func NewCollectorWithPrefix(prefix string) *Collector {
	c := &Collector{seeded: len(prefix)}
	c.buf.WriteString(prefix)
	return c
}

// Append adds a chunk. Appends after Complete are ignored.
func (c *Collector) Append(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done || text == "" {
		return
	}
	c.buf.WriteString(text)
	c.chunks++
}

// Current returns the text collected so far.
func (c *Collector) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Len returns the byte length of the collected text.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Len()
}

// Streamed returns only the text appended after any prefix.
func (c *Collector) Streamed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()[c.seeded:]
}

// Chunks returns the number of non-empty chunks appended.
func (c *Collector) Chunks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunks
}

// Complete finalizes the collector and returns the full text.
// Calling it again returns the same text.
func (c *Collector) Complete() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = true
	return c.buf.String()
}

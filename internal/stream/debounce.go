// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import "time"

const (
	// DefaultFlushInterval is the minimum time between partial flushes.
	DefaultFlushInterval = 250 * time.Millisecond

	// DefaultFlushBytes flushes early once this many new bytes are pending.
	DefaultFlushBytes = 512
)

// =============================================================================
// FLUSH POLICY
// =============================================================================

// FlushPolicy bounds write amplification during streaming.
type FlushPolicy struct {
	// Interval is the minimum time between flushes.
	Interval time.Duration

	// MinBytes flushes regardless of time once this much text is pending.
	MinBytes int
}

// DefaultFlushPolicy returns the default thresholds.
func DefaultFlushPolicy() FlushPolicy {
	return FlushPolicy{Interval: DefaultFlushInterval, MinBytes: DefaultFlushBytes}
}

// normalized fills zero values with defaults.
func (p FlushPolicy) normalized() FlushPolicy {
	if p.Interval <= 0 {
		p.Interval = DefaultFlushInterval
	}
	if p.MinBytes <= 0 {
		p.MinBytes = DefaultFlushBytes
	}
	return p
}

// =============================================================================
// DEBOUNCER
// =============================================================================

// Debouncer decides when a partial flush is due.
//
// It is a simple debounce, not backpressure: the generation service paces
// the stream. Flushes are monotonic in buffer length; a length at or below
// the last flushed length is never due.
//
// A Debouncer is owned by a single streaming goroutine and is not locked.
type Debouncer struct {
	policy     FlushPolicy
	flushedLen int
	lastFlush  time.Time
}

// NewDebouncer creates a debouncer. startLen is the length already durable
// (the existing text for continuations, zero otherwise).
func NewDebouncer(policy FlushPolicy, startLen int, now time.Time) *Debouncer {
	return &Debouncer{
		policy:     policy.normalized(),
		flushedLen: startLen,
		lastFlush:  now,
	}
}

// Due reports whether a buffer of length n should be flushed at now.
func (d *Debouncer) Due(n int, now time.Time) bool {
	pending := n - d.flushedLen
	if pending <= 0 {
		return false
	}
	if pending >= d.policy.MinBytes {
		return true
	}
	return now.Sub(d.lastFlush) >= d.policy.Interval
}

// FlushedLen returns the length of the last flush.
func (d *Debouncer) FlushedLen() int {
	return d.flushedLen
}

// MarkFlushed records a successful flush of length n. Shorter lengths are
// ignored so the recorded length only grows.
func (d *Debouncer) MarkFlushed(n int, now time.Time) {
	if n > d.flushedLen {
		d.flushedLen = n
	}
	d.lastFlush = now
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// COLLECTOR TESTS
// =============================================================================

func TestCollector_CurrentIsAlwaysPrefix(t *testing.T) {
	chunks := []string{"Hi", " there", "", "!", " How", " are", " you?"}
	c := NewCollector()

	prev := c.Current()
	for _, chunk := range chunks {
		c.Append(chunk)
		cur := c.Current()
		require.True(t, strings.HasPrefix(cur, prev), "%q is not a prefix of %q", prev, cur)
		prev = cur
	}
	require.Equal(t, "Hi there! How are you?", c.Complete())
	require.Equal(t, 6, c.Chunks(), "empty chunks are not counted")
}

func TestCollector_CompleteFreezes(t *testing.T) {
	c := NewCollector()
	c.Append("a")
	require.Equal(t, "a", c.Complete())

	c.Append("b")
	require.Equal(t, "a", c.Current())
	require.Equal(t, "a", c.Complete())
}

func TestCollector_Prefix(t *testing.T) {
	c := NewCollectorWithPrefix("The answer is")
	c.Append(" 42")
	c.Append(".")

	require.Equal(t, "The answer is 42.", c.Current())
	require.Equal(t, " 42.", c.Streamed())
	require.Equal(t, len("The answer is 42."), c.Len())
}

func TestCollector_ConcurrentReaders(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			c.Append("x")
		}
	}()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := ""
			for j := 0; j < 200; j++ {
				cur := c.Current()
				if !strings.HasPrefix(cur, prev) {
					t.Errorf("non-monotonic read: %q then %q", prev, cur)
					return
				}
				prev = cur
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 500, c.Len())
}

// =============================================================================
// DEBOUNCER TESTS
// =============================================================================

func TestDebouncer_SizeTrigger(t *testing.T) {
	now := time.Now()
	d := NewDebouncer(FlushPolicy{Interval: time.Hour, MinBytes: 10}, 0, now)

	require.False(t, d.Due(5, now))
	require.True(t, d.Due(10, now))
}

func TestDebouncer_TimeTrigger(t *testing.T) {
	now := time.Now()
	d := NewDebouncer(FlushPolicy{Interval: 100 * time.Millisecond, MinBytes: 1000}, 0, now)

	require.False(t, d.Due(3, now.Add(50*time.Millisecond)))
	require.True(t, d.Due(3, now.Add(100*time.Millisecond)))
}

func TestDebouncer_Monotonic(t *testing.T) {
	now := time.Now()
	d := NewDebouncer(FlushPolicy{Interval: time.Millisecond, MinBytes: 1}, 0, now)

	d.MarkFlushed(20, now)
	require.False(t, d.Due(20, now.Add(time.Second)), "nothing new to flush")
	require.False(t, d.Due(15, now.Add(time.Second)), "never flush a shorter prefix")

	d.MarkFlushed(10, now)
	require.Equal(t, 20, d.FlushedLen())
}

func TestDebouncer_StartLen(t *testing.T) {
	now := time.Now()
	d := NewDebouncer(FlushPolicy{Interval: time.Hour, MinBytes: 4}, 100, now)
	require.False(t, d.Due(102, now))
	require.True(t, d.Due(104, now))
}

func TestFlushPolicy_Defaults(t *testing.T) {
	d := NewDebouncer(FlushPolicy{}, 0, time.Now())
	require.Equal(t, DefaultFlushPolicy(), d.policy)
}

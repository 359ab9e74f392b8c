// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiter_CanSendDoesNotConsume(t *testing.T) {
	clock := newFakeClock()
	l := newWithClock(2, 1, clock.Now)

	for i := 0; i < 5; i++ {
		ok, _ := l.CanSend()
		require.True(t, ok, "send %d", i)
	}
}

func TestLimiter_RecordSendExhausts(t *testing.T) {
	clock := newFakeClock()
	l := newWithClock(2, 1, clock.Now) // one token every 30s

	l.RecordSend()
	ok, retry := l.CanSend()
	require.False(t, ok)
	require.Equal(t, 30, retry)

	clock.Advance(10 * time.Second)
	ok, retry = l.CanSend()
	require.False(t, ok)
	require.Equal(t, 20, retry)

	clock.Advance(20 * time.Second)
	ok, _ = l.CanSend()
	require.True(t, ok)
}

func TestLimiter_RetryRoundsUp(t *testing.T) {
	clock := newFakeClock()
	l := newWithClock(60, 1, clock.Now)

	l.RecordSend()
	clock.Advance(999 * time.Millisecond)
	ok, retry := l.CanSend()
	require.False(t, ok)
	require.Equal(t, 1, retry)
}

func TestLimiter_Burst(t *testing.T) {
	clock := newFakeClock()
	l := newWithClock(1, 3, clock.Now)

	for i := 0; i < 3; i++ {
		ok, _ := l.CanSend()
		require.True(t, ok)
		l.RecordSend()
	}
	ok, _ := l.CanSend()
	require.False(t, ok)
}

func TestLimiter_SetLimit(t *testing.T) {
	clock := newFakeClock()
	l := newWithClock(1, 1, clock.Now)
	l.RecordSend()

	l.SetLimit(60, 1)
	clock.Advance(time.Second)
	ok, _ := l.CanSend()
	require.True(t, ok)
}

func TestLimiter_Defaults(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < DefaultBurst; i++ {
		ok, _ := l.CanSend()
		require.True(t, ok)
		l.RecordSend()
	}
	ok, retry := l.CanSend()
	require.False(t, ok)
	require.GreaterOrEqual(t, retry, 1)
}

func TestUnlimited(t *testing.T) {
	l := Unlimited()
	for i := 0; i < 1000; i++ {
		l.RecordSend()
	}
	ok, _ := l.CanSend()
	require.True(t, ok)
}

func TestThrottle_DropsWithinInterval(t *testing.T) {
	clock := newFakeClock()
	th := newThrottleWithClock(time.Second, clock.Now)

	require.True(t, th.Allow())
	require.False(t, th.Allow())
	require.InDelta(t, float64(time.Second), float64(th.Remaining()), float64(time.Millisecond))

	clock.Advance(500 * time.Millisecond)
	require.False(t, th.Allow())

	clock.Advance(500 * time.Millisecond)
	require.Equal(t, time.Duration(0), th.Remaining())
	require.True(t, th.Allow())
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults used when the configured values are <= 0.
const (
	DefaultRequestsPerMinute = 20
	DefaultBurst             = 5
	DefaultThrottleInterval  = time.Second
)

// =============================================================================
// SEND QUOTA
// =============================================================================

// Limiter is the send quota shared by every chat of a session.
type Limiter struct {
	mu  sync.Mutex
	lim *rate.Limiter
	now func() time.Time
}

// New creates a limiter allowing requestsPerMinute sends with the given
// burst capacity.
func New(requestsPerMinute, burst int) *Limiter {
	return newWithClock(requestsPerMinute, burst, time.Now)
}

func newWithClock(requestsPerMinute, burst int, now func() time.Time) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &Limiter{
		lim: rate.NewLimiter(perMinute(requestsPerMinute), burst),
		now: now,
	}
}

// Unlimited returns a limiter that always allows.
func Unlimited() *Limiter {
	return &Limiter{lim: rate.NewLimiter(rate.Inf, 0), now: time.Now}
}

// CanSend reports whether a send is allowed right now. When it is not,
// retryAfterSeconds is the wait until the next token, rounded up to at
// least one second. No token is consumed.
func (l *Limiter) CanSend() (allowed bool, retryAfterSeconds int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, 60
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	if delay <= 0 {
		return true, 0
	}
	return false, ceilSeconds(delay)
}

// RecordSend consumes one token for a send that went out.
func (l *Limiter) RecordSend() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lim.AllowN(l.now(), 1)
}

// SetLimit changes the quota in place, keeping the current token count.
func (l *Limiter) SetLimit(requestsPerMinute, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if requestsPerMinute > 0 {
		l.lim.SetLimitAt(now, perMinute(requestsPerMinute))
	}
	if burst > 0 {
		l.lim.SetBurstAt(now, burst)
	}
}

// =============================================================================
// THROTTLE
// =============================================================================

// Throttle admits at most one action per interval and drops the rest.
type Throttle struct {
	mu  sync.Mutex
	lim *rate.Limiter
	now func() time.Time
}

// NewThrottle creates a throttle with the given interval.
func NewThrottle(interval time.Duration) *Throttle {
	return newThrottleWithClock(interval, time.Now)
}

func newThrottleWithClock(interval time.Duration, now func() time.Time) *Throttle {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	return &Throttle{lim: rate.NewLimiter(rate.Every(interval), 1), now: now}
}

// Allow takes the token if it is available.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lim.AllowN(t.now(), 1)
}

// Remaining returns how long until Allow would succeed.
func (t *Throttle) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	r := t.lim.ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	if d < 0 {
		return 0
	}
	return d
}

// =============================================================================
// HELPERS
// =============================================================================

func perMinute(n int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(n))
}

func ceilSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

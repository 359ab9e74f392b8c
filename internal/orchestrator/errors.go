// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// PRECONDITION ERRORS
// =============================================================================

// These are returned before any state is touched.
var (
	ErrBlankText           = errors.New("message text is blank")
	ErrSendInFlight        = errors.New("a send is already in flight for this chat")
	ErrMessageNotFound     = errors.New("message not found")
	ErrNotAssistant        = errors.New("message is not an assistant reply")
	ErrNotUser             = errors.New("message is not a user turn")
	ErrAlreadyStreaming    = errors.New("message is already streaming")
	ErrNotTruncated        = errors.New("message is not a truncated reply")
	ErrNoPrecedingUserTurn = errors.New("no user turn precedes this message")
	ErrClosed              = errors.New("orchestrator closed")
)

// ErrCancelled reports a user-elective stop. It matches context.Canceled.
var ErrCancelled = fmt.Errorf("turn cancelled: %w", context.Canceled)

// =============================================================================
// TURN ERRORS
// =============================================================================

// RateLimitExceeded is returned when a send is refused for quota reasons,
// either by the local limiter or by the generation service.
type RateLimitExceeded struct {
	RetryAfterSeconds int
}

func (e *RateLimitExceeded) Error() string {
	if e.RetryAfterSeconds > 0 {
		return fmt.Sprintf("rate limit exceeded, retry in %ds", e.RetryAfterSeconds)
	}
	return "rate limit exceeded"
}

// ResponseStopped describes why a truncated reply ended early. It is carried
// on a truncated Result and is not a failure.
type ResponseStopped struct {
	Reason string
}

func (e *ResponseStopped) Error() string {
	if e.Reason == "" {
		return "response stopped early"
	}
	return "response stopped early: " + e.Reason
}

// GenerationFailed wraps any other failure of a streaming turn.
type GenerationFailed struct {
	Cause error
}

func (e *GenerationFailed) Error() string {
	return "generation failed: " + e.Cause.Error()
}

func (e *GenerationFailed) Unwrap() error {
	return e.Cause
}

// StoreWriteFailed records a durable write that did not succeed. The turn
// carries on; these surface as Result warnings.
type StoreWriteFailed struct {
	Op        string
	MessageID string
	Err       error
}

func (e *StoreWriteFailed) Error() string {
	return fmt.Sprintf("store %s failed for %s: %v", e.Op, e.MessageID, e.Err)
}

func (e *StoreWriteFailed) Unwrap() error {
	return e.Err
}

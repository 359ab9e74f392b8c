// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

// Outcome tags how a turn ended.
type Outcome int

const (
	// OutcomeComplete means the reply finished normally.
	OutcomeComplete Outcome = iota
	// OutcomeTruncated means the service stopped early; the reply can be
	// continued.
	OutcomeTruncated
	// OutcomeRateLimited means the send was refused; see RetryAfterSeconds.
	OutcomeRateLimited
	// OutcomeFailed means the reply is in ERROR; see Err.
	OutcomeFailed
	// OutcomeCancelled means the user stopped the reply; partial text kept.
	OutcomeCancelled
	// OutcomeDropped means a regenerate call fell inside the throttle
	// window and nothing happened.
	OutcomeDropped
)

// String returns a short name for logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomeTruncated:
		return "truncated"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of one turn.
type Result struct {
	Outcome Outcome

	// MessageID is the assistant message, under its final (durable when
	// persisted) ID. Empty when no message was created.
	MessageID string

	// UserMessageID is the user turn that was sent, for sends.
	UserMessageID string

	// Text is the full assistant text at the end of the turn.
	Text string

	// Stopped is set for OutcomeTruncated.
	Stopped *ResponseStopped

	// RetryAfterSeconds is set for OutcomeRateLimited.
	RetryAfterSeconds int

	// Err is *RateLimitExceeded, *GenerationFailed or ErrCancelled for the
	// matching outcomes, and nil otherwise.
	Err error

	// Warnings lists degraded-but-not-fatal problems, such as
	// *StoreWriteFailed.
	Warnings []error
}

// OK reports whether the turn produced a usable reply.
func (r Result) OK() bool {
	return r.Outcome == OutcomeComplete || r.Outcome == OutcomeTruncated
}

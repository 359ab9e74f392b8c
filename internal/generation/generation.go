// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package generation defines the contract between the orchestrator and a
// streaming text generation backend.
//
// A backend returns a Stream that yields Chunks until io.EOF. A backend that
// stops early (token limit, safety stop) first delivers every chunk it has
// and then returns a *StoppedError from Recv. A backend that refuses the
// request for quota reasons returns a *RateLimitError, either from Generate
// or from the first Recv.
package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/rigrun-chat/internal/model"
)

// =============================================================================
// REQUEST / CHUNK
// =============================================================================

// Request is one generation call.
type Request struct {
	ChatID string

	// Prompt is the text to answer. For continuations it already carries the
	// cue built from the tail of the truncated reply.
	Prompt string

	// History is the settled conversation before the prompt, oldest first.
	History []model.Message

	// PersonaID selects a system prompt; empty means none.
	PersonaID string

	// Grounding asks the backend to search the web before answering.
	Grounding bool
}

// Chunk is one increment of a streaming reply.
type Chunk struct {
	Text string

	// Token counts are running totals and may be zero when unknown.
	InputTokens  int
	OutputTokens int

	// GroundingStatus is empty when the chunk carries no grounding update.
	GroundingStatus   model.GroundingStatus
	GroundingMetadata *model.GroundingMetadata
}

// HasGrounding reports whether the chunk updates grounding state.
func (c Chunk) HasGrounding() bool {
	return c.GroundingStatus != "" || c.GroundingMetadata != nil
}

// Stream is an open reply. Recv returns io.EOF after the last chunk.
// Close may be called at any time, including concurrently with Recv, and
// makes a blocked Recv return.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Service starts streaming generations.
type Service interface {
	Generate(ctx context.Context, req Request) (Stream, error)
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrStopped is matched by every *StoppedError.
	ErrStopped = errors.New("response stopped early")

	// ErrRateLimited is matched by every *RateLimitError.
	ErrRateLimited = errors.New("rate limited")
)

// StoppedError reports that the backend ended the reply before it was done.
// Text already delivered is valid.
type StoppedError struct {
	Reason string
}

func (e *StoppedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", ErrStopped, e.Reason)
	}
	return ErrStopped.Error()
}

// Is allows errors.Is(err, ErrStopped).
func (e *StoppedError) Is(target error) bool {
	return target == ErrStopped
}

// RateLimitError reports a backend quota refusal.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfterSeconds > 0 {
		return fmt.Sprintf("%s, retry after %ds", ErrRateLimited, e.RetryAfterSeconds)
	}
	return ErrRateLimited.Error()
}

// Is allows errors.Is(err, ErrRateLimited).
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package lifecycle implements the per-message turn state machine.
//
//	IDLE -> SENDING -> STREAMING -> COMPLETE | ERROR
//
// COMPLETE may carry a truncated flag that allows exactly one way back to
// STREAMING: a continuation. Regeneration re-enters STREAMING from any
// settled state. Cancellation while streaming is not a failure; it settles
// on COMPLETE with whatever text was collected.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/jeranaias/rigrun-chat/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrInvalidTransition is matched by every TransitionError.
var ErrInvalidTransition = errors.New("invalid stream state transition")

// TransitionError describes a rejected transition.
type TransitionError struct {
	Op        string
	From      model.StreamState
	Truncated bool
}

func (e *TransitionError) Error() string {
	if e.Truncated {
		return fmt.Sprintf("%s: cannot %s from %s (truncated)", ErrInvalidTransition, e.Op, e.From)
	}
	return fmt.Sprintf("%s: cannot %s from %s", ErrInvalidTransition, e.Op, e.From)
}

// Is allows errors.Is(err, ErrInvalidTransition).
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// =============================================================================
// MACHINE
// =============================================================================

// Machine tracks the lifecycle of a single message.
//
// A Machine is not safe for concurrent use; callers hold their own lock.
type Machine struct {
	state     model.StreamState
	truncated bool
}

// New returns a machine in the IDLE state.
func New() *Machine {
	return &Machine{state: model.StreamIdle}
}

// Resume rebuilds a machine for an existing message.
func Resume(state model.StreamState, truncated bool) *Machine {
	return &Machine{state: state, truncated: truncated && state == model.StreamComplete}
}

// State returns the current state.
func (m *Machine) State() model.StreamState {
	return m.state
}

// Truncated reports whether the message completed early.
func (m *Machine) Truncated() bool {
	return m.truncated
}

// Send moves IDLE to SENDING.
func (m *Machine) Send() error {
	if m.state != model.StreamIdle {
		return m.reject("send")
	}
	m.state = model.StreamSending
	return nil
}

// Stream moves SENDING to STREAMING.
func (m *Machine) Stream() error {
	if m.state != model.StreamSending {
		return m.reject("stream")
	}
	m.state = model.StreamStreaming
	return nil
}

// Complete settles a stream. truncated marks an early stop by the service,
// which leaves the message eligible for continuation.
func (m *Machine) Complete(truncated bool) error {
	if m.state != model.StreamStreaming {
		return m.reject("complete")
	}
	m.state = model.StreamComplete
	m.truncated = truncated
	return nil
}

// Cancel settles an in-flight message on COMPLETE, keeping partial text.
// Cancelling a settled message is a no-op.
func (m *Machine) Cancel() error {
	switch m.state {
	case model.StreamSending, model.StreamStreaming:
		m.state = model.StreamComplete
		m.truncated = false
		return nil
	case model.StreamComplete, model.StreamError:
		return nil
	default:
		return m.reject("cancel")
	}
}

// Fail moves an in-flight message to ERROR.
func (m *Machine) Fail() error {
	switch m.state {
	case model.StreamIdle, model.StreamSending, model.StreamStreaming:
		m.state = model.StreamError
		m.truncated = false
		return nil
	default:
		return m.reject("fail")
	}
}

// Regenerate re-enters STREAMING on the same message. Only messages that are
// not in flight may be regenerated.
func (m *Machine) Regenerate() error {
	switch m.state {
	case model.StreamIdle, model.StreamComplete, model.StreamError:
		m.state = model.StreamStreaming
		m.truncated = false
		return nil
	default:
		return m.reject("regenerate")
	}
}

// Continue re-enters STREAMING from a truncated COMPLETE. The truncated flag
// is cleared immediately; Complete sets it again if the service stops early.
func (m *Machine) Continue() error {
	if m.state != model.StreamComplete || !m.truncated {
		return m.reject("continue")
	}
	m.state = model.StreamStreaming
	m.truncated = false
	return nil
}

func (m *Machine) reject(op string) error {
	return &TransitionError{Op: op, From: m.state, Truncated: m.truncated}
}

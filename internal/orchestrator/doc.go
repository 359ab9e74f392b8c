// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator runs the streaming turns of a chat.
//
// An Orchestrator owns one chat's in-memory conversation. Each send,
// regenerate or continue call opens a stream from the generation service,
// folds chunks into a single assistant message, flushes deltas to the store
// on a debounce, and settles the message on exactly one terminal state:
//
//	COMPLETE            reply finished
//	COMPLETE, truncated service stopped early; ContinueResponse resumes it
//	COMPLETE, cancelled user stopped it; partial text kept, grounding dropped
//	ERROR               failure or mid-stream rate limit
//
// Messages start with a transient "tmp_" ID. The first successful write
// returns a durable ID, and the conversation, the grounding registry and
// the task registry switch to it under one lock.
//
// Only one send runs per chat. Regenerations share a global throttle;
// calls inside its window are dropped.
package orchestrator

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ratelimit provides the client-side send quota and the regenerate
// throttle, both backed by golang.org/x/time/rate token buckets.
//
// # Send quota
//
// Limiter answers "may I send now?" without consuming a token, and consumes
// one only when RecordSend is called after a generation actually starts.
// A refusal carries the number of whole seconds until a token is available.
//
// # Regenerate throttle
//
// Throttle is a one-token bucket refilled once per interval. Allow either
// takes the token or reports false; there is no waiting.
package ratelimit

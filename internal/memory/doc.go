// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package memory hands completed turns to a long-term memory sink without
// ever holding up the turn that produced them.
//
// Dispatcher.Submit returns immediately. Each record is ingested on its own
// goroutine, bounded by a weighted semaphore. Failures are logged and
// counted, and a Result is offered on a buffered channel that drops when
// nobody is listening.
package memory

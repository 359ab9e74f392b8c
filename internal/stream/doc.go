// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream folds streamed text chunks into a reply.
//
// A Collector accumulates chunks in emission order and exposes the partial
// text while streaming and the final text on completion. A Debouncer decides
// when partial text is worth writing to the message store: after a minimum
// interval or once enough new bytes have arrived, whichever comes first.
//
// Neither type talks to the store; the orchestrator drives both.
package stream

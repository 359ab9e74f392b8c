// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry provides Prometheus metrics and per-session token usage
// for rigrun-chat.
//
// # Key Types
//
//   - Metrics: counters and histograms for turns, flushes, store failures
//     and memory ingestion
//   - Usage: in-memory token totals per chat for the /stats command
//
// # Usage
//
//	reg := prometheus.NewRegistry()
//	metrics := telemetry.NewMetrics(reg)
//	metrics.TurnStarted("send")
//	defer metrics.TurnFinished("send", "complete", time.Since(start))
//
// Every method on a nil *Metrics is a no-op, so components can be built
// without metrics in tests.
//
// # Privacy
//
// Metrics are local-only. Message text is never recorded, only counts.
package telemetry

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides a small read-only HTTP API next to the chat shell.
//
// # Endpoints
//
//   - GET /health                  - Liveness and uptime
//   - GET /metrics                 - Prometheus metrics
//   - GET /stats                   - Per-chat token usage for this session
//   - GET /v1/chats                - Stored chats, newest first
//   - GET /v1/chats/{chatID}       - One chat transcript (JSON, or Markdown with ?format=markdown)
//
// Nothing here mutates a conversation; turns are driven by the orchestrator
// only.
//
// # Security
//
//   - Listens on loopback unless told otherwise
//   - Optional bearer token with constant-time comparison
//   - Security headers on every response
//   - Panic recovery and request logging through zap
//
// # Usage
//
//	srv := server.New(server.Options{
//		Addr:    "127.0.0.1:9464",
//		Store:   store,
//		Metrics: metrics,
//		Usage:   usage,
//		Logger:  logger,
//	})
//	go srv.Run(ctx)
package server

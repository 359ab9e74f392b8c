// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for rigrun-chat.
//
// # Sections
//
//   - [generation]: Ollama URL, model, timeouts, grounding default, personas
//   - [rate_limit]: send quota (requests_per_minute, burst)
//   - [streaming]: flush debounce, regenerate throttle, continuation tail
//   - [storage]: SQLite path or ephemeral mode
//   - [memory]: background memory ingestion
//   - [logging]: zap mode, level and file
//   - [server]: read-only ops API address and bearer token
//
// # Configuration Precedence
//
//   - Environment variables (RIGCHAT_*)
//   - ~/.rigrun-chat/config.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Watch reloads the file on change and hands each valid config to a
// callback:
//
//	w, err := config.Watch(path, 0, logger, func(c *config.Config) {
//	    limiter.SetLimit(c.RateLimit.RequestsPerMinute, c.RateLimit.Burst)
//	})
package config

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigrun-chat command line: a line-oriented chat
// shell over the orchestrator plus a few non-interactive subcommands.
//
// # Commands
//
//   - rigrun-chat                      open the chat shell
//   - rigrun-chat chats                list stored chats
//   - rigrun-chat export <id> [file]   export a transcript
//   - rigrun-chat serve                run only the read-only ops API
//   - rigrun-chat config show|path|get|set
//
// # Shell
//
// Plain lines are sent as messages. Slash commands act on the open chat:
// /regen, /continue, /retry and /edit drive the other turn operations and
// /help lists the rest. Ctrl+C stops the reply in progress; Ctrl+D exits.
//
// On a terminal, settled replies are rendered as markdown with glamour.
// With --plain, or when stdout is not a terminal, text is streamed as it
// is flushed.
package cli

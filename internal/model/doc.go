// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chats, turns and messages.
//
// This package defines the core domain types shared by the orchestrator, the
// message store and the presentation layer.
//
// # Key Types
//
//   - Message: a single chat turn with role, text, stream state and grounding data
//   - Chat: a conversation container with incognito and consent flags
//   - Turn: the ephemeral unit of work for one send, regenerate or continue call
//   - Conversation: ordered in-memory message history
//   - StreamState / GroundingStatus: lifecycle enumerations
//
// # Usage
//
//	conv := model.NewConversation("chat_1")
//	user := conv.Append(model.NewUserMessage("chat_1", "Hello!"))
//	reply := conv.Append(model.NewAssistantMessage("chat_1"))
//	prev := conv.PrecedingUser(reply.ID) // == user
//
// Messages are mutated only by the orchestrator. Everything else receives
// copies produced by Message.Clone.
package model

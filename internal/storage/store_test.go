// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chat/internal/memory"
	"github.com/jeranaias/rigrun-chat/internal/model"
)

// =============================================================================
// CONTRACT TESTS (run against every Store)
// =============================================================================

func stores(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStore_Contract(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"user message gets durable id", testUserMessage},
		{"first chunk creates row", testFirstChunkCreates},
		{"final chunk replaces grounding", testFinalChunkGrounding},
		{"overwrite and state", testOverwriteAndState},
		{"mark error clears grounding", testMarkError},
		{"unknown ids", testUnknownIDs},
		{"chats", testChats},
		{"memories", testMemories},
		{"concurrent writers", testConcurrentWriters},
	}
	for name, newStore := range stores(t) {
		for _, tc := range tests {
			t.Run(name+"/"+tc.name, func(t *testing.T) {
				tc.fn(t, newStore(t))
			})
		}
	}
}

func testUserMessage(t *testing.T, s Store) {
	ctx := context.Background()
	msg := model.NewUserMessage("chat_1", "Hello")
	msg.SupersedesMessageID = "msg_old"
	msg.EditedAt = time.Now()

	id, err := s.AppendUserMessage(ctx, *msg)
	require.NoError(t, err)
	require.NotEqual(t, msg.ID, id)
	require.True(t, strings.HasPrefix(id, "msg_"))

	got, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Hello", got.Text)
	require.Equal(t, model.RoleUser, got.Role)
	require.Equal(t, model.StreamComplete, got.StreamState)
	require.Equal(t, "msg_old", got.SupersedesMessageID)
	require.False(t, got.EditedAt.IsZero())
}

func testFirstChunkCreates(t *testing.T, s Store) {
	ctx := context.Background()
	id, err := s.AppendOrCreateAssistantChunk(ctx, AssistantChunk{ChatID: "chat_1", Delta: "Hi", OutputTokens: 1})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "msg_"))

	id2, err := s.AppendOrCreateAssistantChunk(ctx, AssistantChunk{ChatID: "chat_1", MessageID: id, Delta: " there", OutputTokens: 3})
	require.NoError(t, err)
	require.Equal(t, id, id2)

	got, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Hi there", got.Text)
	require.Equal(t, model.StreamStreaming, got.StreamState)
	require.Equal(t, 3, got.Stats.OutputTokens)

	_, err = s.AppendOrCreateAssistantChunk(ctx, AssistantChunk{ChatID: "chat_1", MessageID: id, Delta: "!", IsFinal: true, OutputTokens: 2})
	require.NoError(t, err)
	got, _ = s.GetByID(ctx, id)
	require.Equal(t, "Hi there!", got.Text)
	require.Equal(t, model.StreamComplete, got.StreamState)
	require.Equal(t, 3, got.Stats.OutputTokens, "token counts keep the max")
}

func testFinalChunkGrounding(t *testing.T, s Store) {
	ctx := context.Background()
	md := &model.GroundingMetadata{Queries: []string{"q"}, Sources: []model.GroundingSource{{URL: "https://a.example"}}}
	id, err := s.AppendOrCreateAssistantChunk(ctx, AssistantChunk{
		ChatID: "chat_1", Delta: "a", GroundingStatus: model.GroundingSearching,
	})
	require.NoError(t, err)

	_, err = s.AppendOrCreateAssistantChunk(ctx, AssistantChunk{
		ChatID: "chat_1", MessageID: id, Delta: "b", GroundingMetadata: md,
	})
	require.NoError(t, err)
	got, _ := s.GetByID(ctx, id)
	require.Equal(t, model.GroundingSearching, got.GroundingStatus, "partial update keeps status")
	require.Equal(t, "https://a.example", got.GroundingMetadata.Sources[0].URL)

	_, err = s.AppendOrCreateAssistantChunk(ctx, AssistantChunk{
		ChatID: "chat_1", MessageID: id, IsFinal: true, GroundingStatus: model.GroundingSuccess,
	})
	require.NoError(t, err)
	got, _ = s.GetByID(ctx, id)
	require.Equal(t, model.GroundingSuccess, got.GroundingStatus)
	require.Nil(t, got.GroundingMetadata, "final chunk replaces metadata")
}

func testOverwriteAndState(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now()
	id, err := s.AppendOrCreateAssistantChunk(ctx, AssistantChunk{ChatID: "chat_1", Delta: "old", IsFinal: true})
	require.NoError(t, err)

	require.NoError(t, s.UpdateStreamState(ctx, id, model.StreamComplete, true, now))
	got, _ := s.GetByID(ctx, id)
	require.True(t, got.Truncated)

	require.NoError(t, s.OverwriteText(ctx, id, "", now))
	require.NoError(t, s.UpdateStreamState(ctx, id, model.StreamStreaming, true, now))
	got, _ = s.GetByID(ctx, id)
	require.Equal(t, "", got.Text)
	require.False(t, got.Truncated, "only COMPLETE rows can be truncated")

	_, err = s.AppendOrCreateAssistantChunk(ctx, AssistantChunk{ChatID: "chat_1", MessageID: id, Delta: "new", IsFinal: true})
	require.NoError(t, err)
	got, _ = s.GetByID(ctx, id)
	require.Equal(t, "new", got.Text)
	require.Equal(t, model.StreamComplete, got.StreamState)
}

func testMarkError(t *testing.T, s Store) {
	ctx := context.Background()
	id, err := s.AppendOrCreateAssistantChunk(ctx, AssistantChunk{
		ChatID: "chat_1", Delta: "x", GroundingStatus: model.GroundingSuccess,
		GroundingMetadata: &model.GroundingMetadata{Queries: []string{"q"}},
	})
	require.NoError(t, err)

	require.NoError(t, s.MarkError(ctx, id, "boom", model.StreamError, time.Now()))
	got, _ := s.GetByID(ctx, id)
	require.Equal(t, "boom", got.Error)
	require.Equal(t, model.StreamError, got.StreamState)
	require.Equal(t, model.GroundingNone, got.GroundingStatus)
	require.Nil(t, got.GroundingMetadata)
}

func testUnknownIDs(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.GetByID(ctx, "msg_missing")
	require.ErrorIs(t, err, ErrMessageNotFound)

	err = s.OverwriteText(ctx, "msg_missing", "x", time.Now())
	require.ErrorIs(t, err, ErrMessageNotFound)

	_, err = s.AppendOrCreateAssistantChunk(ctx, AssistantChunk{ChatID: "c", MessageID: "msg_missing", Delta: "x"})
	require.ErrorIs(t, err, ErrMessageNotFound)

	var se *StoreError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "append_chunk", se.Op)

	_, err = s.GetChat(ctx, "chat_missing")
	require.ErrorIs(t, err, ErrChatNotFound)
}

func testChats(t *testing.T, s Store) {
	ctx := context.Background()
	chat := model.NewChat("Weather")
	require.NoError(t, s.CreateChat(ctx, chat))

	_, err := s.AppendUserMessage(ctx, model.Message{ChatID: chat.ID, Text: "Is it sunny?"})
	require.NoError(t, err)
	_, err = s.AppendOrCreateAssistantChunk(ctx, AssistantChunk{ChatID: chat.ID, Delta: "Yes.", IsFinal: true})
	require.NoError(t, err)

	got, err := s.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	require.Equal(t, "Weather", got.Title)
	require.True(t, got.Consented)

	list, err := s.ListChats(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 2, list[0].MessageCount)
	require.Equal(t, "Is it sunny?", list[0].Preview)

	msgs, err := s.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, model.RoleUser, msgs[0].Role)
	require.Equal(t, model.RoleAssistant, msgs[1].Role)

	require.NoError(t, s.DeleteChat(ctx, chat.ID))
	msgs, err = s.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.ErrorIs(t, s.DeleteChat(ctx, chat.ID), ErrChatNotFound)
}

func testMemories(t *testing.T, s Store) {
	ctx := context.Background()
	var sink memory.Sink = s
	require.NoError(t, sink.Ingest(ctx, memory.Record{ChatID: "chat_1", UserText: "u", AssistantText: "a", Timestamp: time.Now()}))
	require.NoError(t, sink.Ingest(ctx, memory.Record{ChatID: "chat_2", UserText: "u2", AssistantText: "a2"}))

	recs, err := s.Memories(ctx, "chat_1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "a", recs[0].AssistantText)
}

func testConcurrentWriters(t *testing.T, s Store) {
	ctx := context.Background()
	const writers = 4
	ids := make([]string, writers)
	for i := range ids {
		id, err := s.AppendOrCreateAssistantChunk(ctx, AssistantChunk{ChatID: "chat_1"})
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := s.AppendOrCreateAssistantChunk(ctx, AssistantChunk{ChatID: "chat_1", MessageID: id, Delta: "x"}); err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		got, err := s.GetByID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, strings.Repeat("x", 20), got.Text)
	}
}

// =============================================================================
// SQLITE-SPECIFIC TESTS
// =============================================================================

func TestOpenSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chat.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)

	id, err := s.AppendUserMessage(context.Background(), model.Message{ChatID: "chat_1", Text: "persisted"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	_, err = s.GetByID(context.Background(), id)
	require.ErrorIs(t, err, ErrClosed)

	s2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "persisted", got.Text)
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	_, err := OpenSQLite("")
	require.Error(t, err)
}

// =============================================================================
// EXPORT TESTS
// =============================================================================

func TestTranscript_Export(t *testing.T) {
	tr := &Transcript{
		Chat: model.Chat{ID: "chat_1", Title: "Weather", CreatedAt: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)},
		Messages: []model.Message{
			{Role: model.RoleUser, Text: "Sunny?"},
			{
				Role: model.RoleAssistant, Text: "Mostly", Truncated: true,
				GroundingMetadata: &model.GroundingMetadata{Sources: []model.GroundingSource{{Title: "Met", URL: "https://met.example"}}},
			},
		},
	}

	md := tr.ExportMarkdown()
	require.Contains(t, md, "# Weather")
	require.Contains(t, md, "**You**")
	require.Contains(t, md, "_(response stopped early)_")
	require.Contains(t, md, "- [Met](https://met.example)")

	dir := t.TempDir()
	require.NoError(t, tr.WriteFile(filepath.Join(dir, "out.md")))
	require.NoError(t, tr.WriteFile(filepath.Join(dir, "out.json")))

	data, err := os.ReadFile(filepath.Join(dir, "out.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"title": "Weather"`)
}

func TestFormatChatList(t *testing.T) {
	require.Equal(t, "No chats found.", FormatChatList(nil))

	out := FormatChatList([]ChatSummary{{
		Chat:         model.Chat{ID: "chat_1234567890abcdef", UpdatedAt: time.Now(), Incognito: true},
		MessageCount: 4,
		Preview:      "first\nline",
	}})
	require.Contains(t, out, "chat_123456789 ")
	require.Contains(t, out, "[incognito] first line")
}

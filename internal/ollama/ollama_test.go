// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chat/internal/generation"
	"github.com/jeranaias/rigrun-chat/internal/model"
)

// =============================================================================
// HELPERS
// =============================================================================

func ndjsonServer(t *testing.T, lines []string, capture *ChatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, l := range lines {
			_, _ = io.WriteString(w, l+"\n")
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(url string) *Client {
	return NewClientWithConfig(&ClientConfig{
		BaseURL:  url,
		Personas: map[string]string{"pirate": "Talk like a pirate."},
	})
}

func drain(t *testing.T, s generation.Stream) (string, []generation.Chunk, error) {
	t.Helper()
	var sb strings.Builder
	var chunks []generation.Chunk
	for {
		c, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return sb.String(), chunks, nil
			}
			return sb.String(), chunks, err
		}
		sb.WriteString(c.Text)
		chunks = append(chunks, c)
	}
}

// =============================================================================
// STREAMING TESTS
// =============================================================================

func TestGenerate_StreamsChunks(t *testing.T) {
	var got ChatRequest
	srv := ndjsonServer(t, []string{
		`{"model":"m","message":{"role":"assistant","content":"Hi"},"done":false}`,
		``,
		`not json`,
		`{"model":"m","message":{"role":"assistant","content":" there!"},"done":false}`,
		`{"model":"m","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":5,"eval_count":3}`,
	}, &got)

	c := newTestClient(srv.URL)
	stream, err := c.Generate(context.Background(), generation.Request{
		Prompt:    "Hello",
		PersonaID: "pirate",
		History: []model.Message{
			{Role: model.RoleUser, Text: "earlier"},
			{Role: model.RoleAssistant, Text: "reply"},
			{Role: model.RoleAssistant, Text: ""},
		},
	})
	require.NoError(t, err)
	defer stream.Close()

	text, chunks, err := drain(t, stream)
	require.NoError(t, err)
	require.Equal(t, "Hi there!", text)
	require.Equal(t, 3, chunks[len(chunks)-1].OutputTokens)
	require.Equal(t, 5, chunks[len(chunks)-1].InputTokens)

	require.True(t, got.Stream)
	require.Equal(t, "qwen2.5-coder:14b", got.Model)
	require.Equal(t, []Message{
		{Role: "system", Content: "Talk like a pirate."},
		{Role: "user", Content: "earlier"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "Hello"},
	}, got.Messages)
}

func TestGenerate_LengthStopIsTruncation(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"message":{"content":"The quick"},"done":false}`,
		`{"message":{"content":" brown"},"done":true,"done_reason":"length"}`,
	}, nil)

	stream, err := newTestClient(srv.URL).Generate(context.Background(), generation.Request{Prompt: "x"})
	require.NoError(t, err)

	text, _, err := drain(t, stream)
	require.Equal(t, "The quick brown", text, "final text is delivered before the stop")

	var stopped *generation.StoppedError
	require.ErrorAs(t, err, &stopped)
	require.True(t, errors.Is(err, generation.ErrStopped))

	_, err = stream.Recv()
	require.ErrorIs(t, err, io.EOF)
}

func TestGenerate_GroundingLines(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"message":{"content":""},"grounding":{"status":"searching"},"done":false}`,
		`{"message":{"content":"Sunny."},"grounding":{"status":"success","queries":["weather"],"sources":[{"title":"Met","url":"https://met.example"}]},"done":false}`,
		`{"message":{"content":""},"done":true,"done_reason":"stop"}`,
	}, nil)

	stream, err := newTestClient(srv.URL).Generate(context.Background(), generation.Request{Prompt: "weather?", Grounding: true})
	require.NoError(t, err)

	_, chunks, err := drain(t, stream)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, model.GroundingSearching, chunks[0].GroundingStatus)
	require.Nil(t, chunks[0].GroundingMetadata)
	require.Equal(t, model.GroundingSuccess, chunks[1].GroundingStatus)
	require.Equal(t, "https://met.example", chunks[1].GroundingMetadata.Sources[0].URL)
}

func TestGenerate_ErrorLine(t *testing.T) {
	srv := ndjsonServer(t, []string{
		`{"message":{"content":"partial"},"done":false}`,
		`{"error":"out of memory"}`,
	}, nil)

	stream, err := newTestClient(srv.URL).Generate(context.Background(), generation.Request{Prompt: "x"})
	require.NoError(t, err)

	text, _, err := drain(t, stream)
	require.Equal(t, "partial", text)
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "out of memory", ce.Message)
}

// =============================================================================
// STATUS CODE TESTS
// =============================================================================

func TestGenerate_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Generate(context.Background(), generation.Request{Prompt: "x"})
	var rl *generation.RateLimitError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, 30, rl.RetryAfterSeconds)
	require.True(t, errors.Is(err, generation.ErrRateLimited))
}

func TestGenerate_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newTestClient(srv.URL).Generate(context.Background(), generation.Request{Prompt: "x"})
	require.True(t, IsModelNotFound(err))
}

func TestGenerate_ServerErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"model failed to load"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Generate(context.Background(), generation.Request{Prompt: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "model failed to load")
}

func TestGenerate_NotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Generate(context.Background(), generation.Request{Prompt: "x"})
	require.True(t, IsNotRunning(err), "got %v", err)
}

// =============================================================================
// CANCELLATION TESTS
// =============================================================================

func TestGenerate_CloseUnblocksRecv(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"message":{"content":"a"},"done":false}`+"\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := newTestClient(srv.URL).Generate(ctx, generation.Request{Prompt: "x"})
	require.NoError(t, err)

	chunk, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "a", chunk.Text)

	errCh := make(chan error, 1)
	go func() {
		_, err := stream.Recv()
		errCh <- err
	}()

	cancel()
	_ = stream.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Recv did not return after cancel")
	}
}

// =============================================================================
// RETRY-AFTER TESTS
// =============================================================================

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"empty", "", 0},
		{"seconds", "30", 30},
		{"negative", "-4", 0},
		{"http date", now.Add(90 * time.Second).Format(http.TimeFormat), 90},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseRetryAfter(tc.in, now); got != tc.want {
				t.Errorf("parseRetryAfter(%q) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}

// =============================================================================
// CLIENT TESTS
// =============================================================================

func TestNewClientWithConfig_Defaults(t *testing.T) {
	c := NewClientWithConfig(&ClientConfig{})
	cfg := c.Config()
	if cfg.BaseURL != "http://127.0.0.1:11434" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.DefaultModel != "qwen2.5-coder:14b" {
		t.Errorf("DefaultModel = %q", cfg.DefaultModel)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v", cfg.Timeout)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		_, _ = io.WriteString(w, `{"models":[{"name":"qwen2.5-coder:14b","size":9000000000}]}`)
	}))
	defer srv.Close()

	models, err := newTestClient(srv.URL).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	require.Equal(t, "qwen2.5-coder:14b", models[0].Name)
}

func TestCheckRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "Ollama is running")
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv.URL).CheckRunning(context.Background()))
}

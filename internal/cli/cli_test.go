// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jeranaias/rigrun-chat/internal/config"
	"github.com/jeranaias/rigrun-chat/internal/generation/gentest"
	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/ollama"
	"github.com/jeranaias/rigrun-chat/internal/storage"
)

// =============================================================================
// HELPERS
// =============================================================================

type testApp struct {
	*App
	gen   *gentest.Service
	store *storage.MemoryStore
	out   *bytes.Buffer
}

func newTestApp(t *testing.T, mutate func(c *config.Config), scripts ...gentest.Script) *testApp {
	t.Helper()
	cfg := config.Default()
	cfg.Memory.Enabled = false
	cfg.Streaming.FlushIntervalMs = 10
	cfg.Streaming.FlushBytes = 1
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	gen := gentest.New(scripts...)
	store := storage.NewMemoryStore()
	out := &bytes.Buffer{}
	app, err := NewApp(cfg, Deps{
		Generator: gen,
		Store:     store,
		Logger:    zaptest.NewLogger(t),
		Out:       out,
	})
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	require.NoError(t, app.NewChat(context.Background(), "test", false))
	return &testApp{App: app, gen: gen, store: store, out: out}
}

func (ta *testApp) exec(t *testing.T, line string) {
	t.Helper()
	quit, err := ta.Execute(context.Background(), line)
	require.NoError(t, err)
	require.False(t, quit)
}

// =============================================================================
// SHELL COMMANDS
// =============================================================================

func TestExecute_SendStreamsReply(t *testing.T) {
	ta := newTestApp(t, nil, gentest.Text("Hi", " there", "!"))

	ta.exec(t, "hello")

	require.Contains(t, ta.out.String(), "Hi there!")
	msgs := ta.Current().Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, model.RoleUser, msgs[0].Role)
	require.Equal(t, "hello", msgs[0].Text)
	require.Equal(t, "Hi there!", msgs[1].Text)
	require.Equal(t, model.StreamComplete, msgs[1].StreamState)

	stored, err := ta.store.ListMessages(context.Background(), ta.Current().Chat().ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestExecute_MarkdownRendersSettledReply(t *testing.T) {
	cfg := config.Default()
	cfg.Memory.Enabled = false
	out := &bytes.Buffer{}
	app, err := NewApp(cfg, Deps{
		Generator: gentest.New(gentest.Text("Hi", " there!")),
		Store:     storage.NewMemoryStore(),
		Out:       out,
		Markdown:  true,
	})
	require.NoError(t, err)
	defer app.Close()
	require.NoError(t, app.NewChat(context.Background(), "", false))

	_, err = app.Execute(context.Background(), "hello")
	require.NoError(t, err)
	plain := regexp.MustCompile(`\x1b\[[0-9;]*m`).ReplaceAllString(out.String(), "")
	require.Contains(t, plain, "Hi there!")
}

func TestExecute_HistoryAndShow(t *testing.T) {
	ta := newTestApp(t, nil, gentest.Text("Answer one"))
	ta.exec(t, "question one")
	ta.out.Reset()

	ta.exec(t, "/history")
	require.Contains(t, ta.out.String(), "question one")
	require.Contains(t, ta.out.String(), "Answer one")

	ta.out.Reset()
	ta.exec(t, "/show 1")
	require.Contains(t, ta.out.String(), "question one")

	_, err := ta.Execute(context.Background(), "/show 9")
	require.Error(t, err)
}

func TestExecute_RegenerateIsThrottled(t *testing.T) {
	ta := newTestApp(t, func(c *config.Config) {
		c.Streaming.RegenerateThrottleMs = 60_000
	}, gentest.Text("first"), gentest.Text("second"), gentest.Text("third"))

	ta.exec(t, "hello")
	ta.exec(t, "/regen")
	msgs := ta.Current().Messages()
	require.Equal(t, "second", msgs[len(msgs)-1].Text)

	ta.out.Reset()
	ta.exec(t, "/regen")
	require.Contains(t, ta.out.String(), "[Ignored")
	require.Equal(t, 2, ta.gen.Calls())
}

func TestExecute_RetryAndEdit(t *testing.T) {
	ta := newTestApp(t, nil, gentest.Text("one"), gentest.Text("two"), gentest.Text("three"))

	ta.exec(t, "hello")
	ta.exec(t, "/retry")
	msgs := ta.Current().Messages()
	require.Equal(t, "two", msgs[len(msgs)-1].Text)

	ta.exec(t, "/edit hello again")
	msgs = ta.Current().Messages()
	var users []string
	for _, m := range msgs {
		if m.Role == model.RoleUser {
			users = append(users, m.Text)
		}
	}
	require.Contains(t, users, "hello again")
	require.Equal(t, "three", msgs[len(msgs)-1].Text)
}

func TestExecute_FailedTurnSuggestsRetry(t *testing.T) {
	ta := newTestApp(t, nil, gentest.Text("partial").Then(errors.New("connection reset")))

	ta.exec(t, "hello")
	require.Contains(t, ta.out.String(), "[Failed]")
	require.Contains(t, ta.out.String(), "/retry")
}

func TestExecute_ExportWritesTranscript(t *testing.T) {
	ta := newTestApp(t, nil, gentest.Text("exported reply"))
	ta.exec(t, "hello")

	path := filepath.Join(t.TempDir(), "chat.json")
	ta.exec(t, "/export "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var tr storage.Transcript
	require.NoError(t, json.Unmarshal(data, &tr))
	require.Len(t, tr.Messages, 2)
	require.Equal(t, "exported reply", tr.Messages[1].Text)
}

func TestExecute_NewAndOpen(t *testing.T) {
	ta := newTestApp(t, nil, gentest.Text("reply"))
	ta.exec(t, "hello")
	first := ta.Current().Chat().ID

	ta.exec(t, "/new second")
	require.NotEqual(t, first, ta.Current().Chat().ID)
	require.Empty(t, ta.Current().Messages())

	ta.exec(t, "/open "+first[:len("chat_")+8])
	require.Equal(t, first, ta.Current().Chat().ID)
	require.Len(t, ta.Current().Messages(), 2)

	ta.out.Reset()
	ta.exec(t, "/chats")
	require.Contains(t, ta.out.String(), first[:14])
}

func TestExecute_Toggles(t *testing.T) {
	ta := newTestApp(t, nil)

	ta.exec(t, "/grounding on")
	require.True(t, *ta.sendOptions().Grounding)
	ta.exec(t, "/incognito on")
	require.True(t, ta.sendOptions().Incognito)
	ta.exec(t, "/persona default")
	require.Equal(t, "default", ta.sendOptions().PersonaID)
	ta.exec(t, "/persona none")
	require.Empty(t, ta.sendOptions().PersonaID)

	_, err := ta.Execute(context.Background(), "/persona pirate")
	require.Error(t, err)
	_, err = ta.Execute(context.Background(), "/grounding maybe")
	require.Error(t, err)
}

func TestExecute_UnknownAndQuit(t *testing.T) {
	ta := newTestApp(t, nil)

	_, err := ta.Execute(context.Background(), "/frobnicate")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown command")

	quit, err := ta.Execute(context.Background(), "/quit")
	require.NoError(t, err)
	require.True(t, quit)

	quit, err = ta.Execute(context.Background(), "   ")
	require.NoError(t, err)
	require.False(t, quit)
}

func TestExecute_MemoriesRecorded(t *testing.T) {
	ta := newTestApp(t, func(c *config.Config) {
		c.Memory.Enabled = true
	}, gentest.Text("remember this"))

	ta.exec(t, "hello")
	chatID := ta.Current().Chat().ID
	require.Eventually(t, func() bool {
		recs, err := ta.store.Memories(context.Background(), chatID)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ta.out.Reset()
	ta.exec(t, "/memories")
	require.Contains(t, ta.out.String(), "hello")
}

func TestRun_ReadsUntilQuit(t *testing.T) {
	ta := newTestApp(t, nil, gentest.Text("piped reply"))

	err := ta.Run(context.Background(), NewScanReader(strings.NewReader("hello\n/bogus\n/quit\nignored\n")))
	require.NoError(t, err)
	require.Contains(t, ta.out.String(), "piped reply")
	require.Contains(t, ta.out.String(), "unknown command")
	require.Equal(t, 1, ta.gen.Calls())
}

func TestApplyConfig_KeepsUserChoices(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.exec(t, "/grounding on")

	next := config.Default()
	next.Generation.Grounding = false
	next.Generation.Persona = "default"
	next.RateLimit.RequestsPerMinute = 3
	ta.ApplyConfig(next)

	opts := ta.sendOptions()
	require.True(t, *opts.Grounding)
	require.Equal(t, "default", opts.PersonaID)
}

func TestCheckOllama_WarnsWhenModelMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			_, _ = io.WriteString(w, `{"models":[{"name":"llama3:latest"}]}`)
			return
		}
		_, _ = io.WriteString(w, "Ollama is running")
	}))
	defer srv.Close()

	check := func(modelName string) string {
		cfg := config.Default()
		cfg.Memory.Enabled = false
		cfg.Generation.URL = srv.URL
		cfg.Generation.Model = modelName
		out := &bytes.Buffer{}
		app, err := NewApp(cfg, Deps{Store: storage.NewMemoryStore(), Out: out})
		require.NoError(t, err)
		defer app.Close()
		app.checkOllama(context.Background())
		return out.String()
	}

	require.Empty(t, check("llama3"))
	require.Contains(t, check("qwen2.5-coder:14b"), "ollama pull qwen2.5-coder:14b")
}

func TestHasModel(t *testing.T) {
	models := []ollama.ModelInfo{{Name: "llama3:latest"}, {Name: "qwen2.5-coder:14b"}}
	require.True(t, hasModel(models, "llama3"))
	require.True(t, hasModel(models, "qwen2.5-coder:14b"))
	require.False(t, hasModel(models, "qwen2.5-coder"))
}

// =============================================================================
// HELPERS UNDER TEST
// =============================================================================

func TestPickMessage(t *testing.T) {
	msgs := []model.Message{
		{ID: "u1", Role: model.RoleUser, Text: "a"},
		{ID: "a1", Role: model.RoleAssistant, Text: "b", Truncated: true, StreamState: model.StreamComplete},
		{ID: "u2", Role: model.RoleUser, Text: "c"},
		{ID: "a2", Role: model.RoleAssistant, Text: "d", StreamState: model.StreamComplete},
	}

	tests := []struct {
		name    string
		arg     string
		role    model.Role
		ok      func(model.Message) bool
		wantID  string
		wantErr bool
	}{
		{name: "latest assistant", role: model.RoleAssistant, wantID: "a2"},
		{name: "latest user", role: model.RoleUser, wantID: "u2"},
		{name: "filtered", role: model.RoleAssistant, ok: func(m model.Message) bool { return m.Truncated }, wantID: "a1"},
		{name: "position", arg: "#2", role: model.RoleAssistant, wantID: "a1"},
		{name: "bare position", arg: "3", role: model.RoleUser, wantID: "u2"},
		{name: "by id", arg: "u1", role: model.RoleUser, wantID: "u1"},
		{name: "wrong role", arg: "u1", role: model.RoleAssistant, wantErr: true},
		{name: "out of range", arg: "#9", role: model.RoleUser, wantErr: true},
		{name: "unknown id", arg: "zz", role: model.RoleUser, wantErr: true},
		{name: "none pass filter", role: model.RoleUser, ok: func(model.Message) bool { return false }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pickMessage(msgs, tt.arg, tt.role, tt.ok)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantID, got.ID)
		})
	}
}

func TestCompleteCommand(t *testing.T) {
	require.Equal(t, []string{"/regen", "/retry"}, completeCommand("/re"))
	require.Contains(t, completeCommand("/"), "/help")
	require.Nil(t, completeCommand("hello"))
	require.Nil(t, completeCommand("/open chat_"))
}

func TestResolveChatID(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	defer store.Close()
	for _, id := range []string{"chat_aaa111", "chat_aaa222", "chat_bbb333"} {
		require.NoError(t, store.CreateChat(ctx, &model.Chat{ID: id, CreatedAt: time.Now(), UpdatedAt: time.Now()}))
	}

	id, err := resolveChatID(ctx, store, "chat_bbb")
	require.NoError(t, err)
	require.Equal(t, "chat_bbb333", id)

	id, err = resolveChatID(ctx, store, "chat_aaa222")
	require.NoError(t, err)
	require.Equal(t, "chat_aaa222", id)

	_, err = resolveChatID(ctx, store, "chat_aaa")
	require.Error(t, err)
	require.Contains(t, err.Error(), "matches 2 chats")

	_, err = resolveChatID(ctx, store, "chat_zzz")
	require.ErrorIs(t, err, storage.ErrChatNotFound)
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"usage", usageErrorf("bad flag"), ExitUsageError},
		{"config", fmt.Errorf("invalid config: %w", config.ValidateErrors{{Field: "x", Message: "y"}}), ExitConfigError},
		{"not found", fmt.Errorf("open: %w", storage.ErrChatNotFound), ExitNotFoundError},
		{"ollama down", ollama.ErrNotRunning, ExitNetworkError},
		{"timeout", context.DeadlineExceeded, ExitTimeoutError},
		{"other", errors.New("boom"), ExitGeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

// =============================================================================
// COBRA COMMANDS
// =============================================================================

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigCmd_SetThenGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	_, err := runCmd(t, "config", "set", "rate_limit.burst", "9", "--config", path)
	require.NoError(t, err)

	out, err := runCmd(t, "config", "get", "rate_limit.burst", "--config", path)
	require.NoError(t, err)
	require.Equal(t, "9", strings.TrimSpace(out))

	out, err = runCmd(t, "config", "path", "--config", path)
	require.NoError(t, err)
	require.Equal(t, path, strings.TrimSpace(out))

	_, err = runCmd(t, "config", "set", "rate_limit.burst", "0", "--config", path)
	require.Equal(t, ExitConfigError, GetExitCode(err))

	_, err = runCmd(t, "config", "get", "no.such.key", "--config", path)
	require.Equal(t, ExitUsageError, GetExitCode(err))
}

func TestChatsAndExportCmd(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "chat.db")
	cfgPath := filepath.Join(dir, "config.toml")

	ctx := context.Background()
	store, err := storage.OpenSQLite(dbPath)
	require.NoError(t, err)
	chat := model.NewChat("Exported chat")
	require.NoError(t, store.CreateChat(ctx, chat))
	_, err = store.AppendUserMessage(ctx, *model.NewUserMessage(chat.ID, "What is Go?"))
	require.NoError(t, err)
	_, err = store.AppendOrCreateAssistantChunk(ctx, storage.AssistantChunk{
		ChatID:  chat.ID,
		Delta:   "A programming language.",
		IsFinal: true,
		At:      time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := runCmd(t, "chats", "--config", cfgPath, "--db", dbPath)
	require.NoError(t, err)
	require.Contains(t, out, "What is Go?")

	out, err = runCmd(t, "export", chat.ID, "--config", cfgPath, "--db", dbPath, "--format", "json")
	require.NoError(t, err)
	var tr storage.Transcript
	require.NoError(t, json.Unmarshal([]byte(out), &tr))
	require.Equal(t, chat.ID, tr.Chat.ID)
	require.Len(t, tr.Messages, 2)

	out, err = runCmd(t, "export", chat.ID, "--config", cfgPath, "--db", dbPath)
	require.NoError(t, err)
	require.Contains(t, out, "A programming language.")

	_, err = runCmd(t, "export", "chat_missing", "--config", cfgPath, "--db", dbPath)
	require.Equal(t, ExitNotFoundError, GetExitCode(err))

	_, err = runCmd(t, "export", chat.ID, "--config", cfgPath, "--db", dbPath, "--format", "yaml")
	require.Equal(t, ExitUsageError, GetExitCode(err))
}

func TestRootCmd_RejectsConflictingFlags(t *testing.T) {
	_, err := runCmd(t, "--chat", "chat_x", "--continue", "--config", filepath.Join(t.TempDir(), "c.toml"))
	require.Equal(t, ExitUsageError, GetExitCode(err))
}

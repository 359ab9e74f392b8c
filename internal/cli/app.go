// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - Wiring of config, store, generation client and orchestrator for
// one shell session.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-chat/internal/config"
	"github.com/jeranaias/rigrun-chat/internal/generation"
	"github.com/jeranaias/rigrun-chat/internal/memory"
	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/ollama"
	"github.com/jeranaias/rigrun-chat/internal/orchestrator"
	"github.com/jeranaias/rigrun-chat/internal/ratelimit"
	"github.com/jeranaias/rigrun-chat/internal/storage"
	"github.com/jeranaias/rigrun-chat/internal/telemetry"
)

// memoryCloseTimeout bounds how long Close waits for queued ingestion.
const memoryCloseTimeout = 5 * time.Second

// Deps replaces collaborators that App would otherwise build from config.
type Deps struct {
	Generator generation.Service
	Store     storage.Store
	Logger    *zap.Logger
	Metrics   *telemetry.Metrics

	// Out receives everything the shell prints. Defaults to stdout.
	Out io.Writer

	// Markdown renders settled replies with glamour instead of streaming
	// raw text.
	Markdown bool
}

// =============================================================================
// APP
// =============================================================================

// App is one shell session: the shared collaborators plus the orchestrator
// of the chat currently open.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	out    io.Writer

	store      storage.Store
	gen        generation.Service
	limiter    *ratelimit.Limiter
	throttle   *ratelimit.Throttle
	dispatcher *memory.Dispatcher
	metrics    *telemetry.Metrics
	usage      *telemetry.Usage
	render     *Renderer
	printer    *streamPrinter

	mu          sync.Mutex
	orch        *orchestrator.Orchestrator
	unsubscribe func()
	persona     string
	grounding   bool
	incognito   bool
	stop        func()
	started     time.Time
}

// NewApp builds the collaborators named by cfg, preferring anything given
// in deps.
func NewApp(cfg *config.Config, deps Deps) (*App, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	out := deps.Out
	if out == nil {
		out = os.Stdout
	}

	store := deps.Store
	if store == nil {
		s, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		store = s
	}

	gen := deps.Generator
	if gen == nil {
		gen = ollama.NewClientWithConfig(cfg.OllamaConfig())
	}

	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		out:       out,
		store:     store,
		gen:       gen,
		limiter:   ratelimit.New(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		throttle:  ratelimit.NewThrottle(cfg.RegenerateThrottle()),
		metrics:   metrics,
		usage:     telemetry.NewUsage(),
		render:    NewRenderer(out, deps.Markdown, GetTerminalWidth()),
		persona:   cfg.Generation.Persona,
		grounding: cfg.Generation.Grounding,
		started:   time.Now(),
	}
	a.printer = newStreamPrinter(out, !deps.Markdown)

	if cfg.Memory.Enabled {
		a.dispatcher = memory.NewDispatcher(store, memory.Options{
			MaxConcurrent: int64(cfg.Memory.MaxConcurrent),
			Timeout:       time.Duration(cfg.Memory.TimeoutSecs) * time.Second,
			Logger:        logger,
			Metrics:       metrics,
		})
	}
	return a, nil
}

// openStore opens SQLite at the configured path, or an in-memory store
// when storage is ephemeral.
func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Ephemeral {
		return storage.NewMemoryStore(), nil
	}
	path := cfg.Storage.Path
	if path == "" {
		p, err := storage.DefaultDatabasePath()
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
		path = p
	}
	s, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return s, nil
}

// orchestratorOptions assembles the options shared by every chat in the
// session. The limiter and regenerate throttle are session-wide.
func (a *App) orchestratorOptions() orchestrator.Options {
	opts := orchestrator.Options{
		Generator:          a.gen,
		Store:              a.store,
		Limiter:            a.limiter,
		RegenerateThrottle: a.throttle,
		Flush:              a.cfg.FlushPolicy(),
		ContinuationTail:   a.cfg.Streaming.ContinuationTailRunes,
		Grounding:          a.cfg.Generation.Grounding,
		Logger:             a.logger,
		Metrics:            a.metrics,
		Usage:              a.usage,
	}
	if a.dispatcher != nil {
		opts.Memory = a.dispatcher
	}
	return opts
}

// =============================================================================
// CHAT SELECTION
// =============================================================================

// NewChat starts a fresh chat and makes it current.
func (a *App) NewChat(ctx context.Context, title string, incognito bool) error {
	chat := model.NewChat(title)
	chat.Incognito = incognito
	orch, err := orchestrator.New(ctx, chat, a.orchestratorOptions())
	if err != nil {
		return err
	}
	a.swap(orch)
	return nil
}

// OpenChat loads a stored chat and makes it current. A unique ID prefix is
// accepted.
func (a *App) OpenChat(ctx context.Context, idOrPrefix string) error {
	id, err := resolveChatID(ctx, a.store, idOrPrefix)
	if err != nil {
		return err
	}
	orch, err := orchestrator.Open(ctx, id, a.orchestratorOptions())
	if err != nil {
		return err
	}
	a.swap(orch)
	return nil
}

// resolveChatID expands a unique id prefix to the full chat id.
func resolveChatID(ctx context.Context, store storage.Store, idOrPrefix string) (string, error) {
	chats, err := store.ListChats(ctx)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, c := range chats {
		if c.Chat.ID == idOrPrefix {
			return c.Chat.ID, nil
		}
		if strings.HasPrefix(c.Chat.ID, idOrPrefix) {
			matches = append(matches, c.Chat.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no chat matches %q: %w", idOrPrefix, storage.ErrChatNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q matches %d chats, use more of the id", idOrPrefix, len(matches))
	}
}

func (a *App) swap(orch *orchestrator.Orchestrator) {
	a.mu.Lock()
	prev, unsub := a.orch, a.unsubscribe
	a.orch = orch
	a.unsubscribe = orch.Subscribe(a.printer)
	a.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if prev != nil {
		prev.Close()
	}
}

// Current returns the orchestrator of the open chat.
func (a *App) Current() *orchestrator.Orchestrator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orch
}

// =============================================================================
// LIVE CONFIG
// =============================================================================

// ApplyConfig takes the reloadable parts of a new config: the rate limit,
// the default persona and the grounding default.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.limiter.SetLimit(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)

	a.mu.Lock()
	if a.persona == a.cfg.Generation.Persona {
		a.persona = cfg.Generation.Persona
	}
	if a.grounding == a.cfg.Generation.Grounding {
		a.grounding = cfg.Generation.Grounding
	}
	a.cfg = cfg
	a.mu.Unlock()

	a.logger.Info("config applied",
		zap.Int("requests_per_minute", cfg.RateLimit.RequestsPerMinute),
		zap.Int("burst", cfg.RateLimit.Burst))
}

func (a *App) sendOptions() orchestrator.SendOptions {
	a.mu.Lock()
	defer a.mu.Unlock()
	grounding := a.grounding
	return orchestrator.SendOptions{
		PersonaID: a.persona,
		Incognito: a.incognito,
		Grounding: &grounding,
	}
}

// =============================================================================
// STOPPING
// =============================================================================

// Stop cancels whatever turn the shell is waiting on. It reports whether
// anything was running.
func (a *App) Stop() bool {
	a.mu.Lock()
	stop := a.stop
	a.mu.Unlock()
	if stop == nil {
		return false
	}
	stop()
	return true
}

// running records how to stop the turn about to start and returns a
// function that clears it.
func (a *App) running(stop func()) func() {
	a.mu.Lock()
	a.stop = stop
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		a.stop = nil
		a.mu.Unlock()
	}
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// Close stops running turns, drains memory ingestion and closes the store.
func (a *App) Close() error {
	a.mu.Lock()
	orch, unsub := a.orch, a.unsubscribe
	a.orch, a.unsubscribe = nil, nil
	a.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if orch != nil {
		orch.Close()
	}

	var errs []error
	if a.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), memoryCloseTimeout)
		if err := a.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("memory: %w", err))
		}
		cancel()
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/storage"
	"github.com/jeranaias/rigrun-chat/internal/telemetry"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr keeps the API on loopback.
	DefaultAddr = "127.0.0.1:9464"

	// ShutdownTimeout bounds graceful shutdown after the context ends.
	ShutdownTimeout = 5 * time.Second

	// RequestTimeout bounds a single handler.
	RequestTimeout = 30 * time.Second
)

// ChatReader is the read side of the message store.
type ChatReader interface {
	ListChats(ctx context.Context) ([]storage.ChatSummary, error)
	GetChat(ctx context.Context, id string) (*model.Chat, error)
	ListMessages(ctx context.Context, chatID string) ([]*model.Message, error)
}

// Options configures a Server. Store, Metrics and Usage are optional; the
// matching endpoints answer 404 without them.
type Options struct {
	Addr    string
	Token   string
	Store   ChatReader
	Metrics *telemetry.Metrics
	Usage   *telemetry.Usage
	Logger  *zap.Logger
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the read-only ops API.
type Server struct {
	opts    Options
	logger  *zap.Logger
	router  chi.Router
	started time.Time
}

// New builds a server and its routes. It does not listen until Run.
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		opts:    opts,
		logger:  opts.Logger.Named("server"),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RecoveryMiddleware(s.logger))
	r.Use(SecurityHeadersMiddleware())
	r.Use(LoggingMiddleware(s.logger))
	r.Use(middleware.Timeout(RequestTimeout))

	// Liveness stays open so probes work without the token.
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.opts.Token, s.logger))
		r.Get("/stats", s.handleStats)
		if s.opts.Metrics != nil {
			r.Handle("/metrics", s.opts.Metrics.Handler())
		}
		r.Route("/v1/chats", func(r chi.Router) {
			r.Get("/", s.handleListChats)
			r.Get("/{chatID}", s.handleGetChat)
		})
	})
	s.router = r
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ============================================================================
// HANDLERS
// ============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Storage       bool   `json:"storage"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Storage:       s.opts.Store != nil,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Usage == nil {
		s.writeError(w, http.StatusNotFound, "usage tracking disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.Usage.All())
}

// ChatListItem is one entry of GET /v1/chats.
type ChatListItem struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		s.writeError(w, http.StatusNotFound, "no message store")
		return
	}
	chats, err := s.opts.Store.ListChats(r.Context())
	if err != nil {
		s.logger.Warn("list chats failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	items := make([]ChatListItem, 0, len(chats))
	for _, c := range chats {
		items = append(items, ChatListItem{
			ID:           c.Chat.ID,
			Title:        c.Chat.Title,
			MessageCount: c.MessageCount,
			Preview:      c.Preview,
			UpdatedAt:    c.Chat.UpdatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		s.writeError(w, http.StatusNotFound, "no message store")
		return
	}
	chatID := chi.URLParam(r, "chatID")
	chat, err := s.opts.Store.GetChat(r.Context(), chatID)
	if errors.Is(err, storage.ErrChatNotFound) {
		s.writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		s.logger.Warn("get chat failed", zap.String("chat_id", chatID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	msgs, err := s.opts.Store.ListMessages(r.Context(), chatID)
	if err != nil {
		s.logger.Warn("list messages failed", zap.String("chat_id", chatID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	tr := storage.Transcript{Chat: *chat, Messages: make([]model.Message, 0, len(msgs))}
	for _, m := range msgs {
		tr.Messages = append(tr.Messages, m.Clone())
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		s.writeJSON(w, http.StatusOK, tr)
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(tr.ExportMarkdown()))
	default:
		s.writeError(w, http.StatusBadRequest, "format must be json or markdown")
	}
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"code":    status,
		},
	})
}

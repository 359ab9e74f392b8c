// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Cobra command tree for rigrun-chat.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-chat/internal/config"
	"github.com/jeranaias/rigrun-chat/internal/logging"
	"github.com/jeranaias/rigrun-chat/internal/ollama"
	"github.com/jeranaias/rigrun-chat/internal/server"
	"github.com/jeranaias/rigrun-chat/internal/storage"
)

// Version information (set by main from build flags).
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// startupCheckTimeout bounds the startup check that Ollama is reachable.
const startupCheckTimeout = 2 * time.Second

// Options are the persistent flags shared by every command.
type Options struct {
	ConfigPath string
	DBPath     string
	Ephemeral  bool
	LogLevel   string
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

// NewRootCmd builds the rigrun-chat command tree. Without a subcommand it
// opens the interactive chat shell.
func NewRootCmd() *cobra.Command {
	opts := &Options{}
	var (
		chatID    string
		resume    bool
		incognito bool
		listen    string
		plain     bool
		noWatch   bool
	)

	cmd := &cobra.Command{
		Use:           "rigrun-chat",
		Short:         "Streaming chat with a local Ollama model",
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if chatID != "" && resume {
				return usageErrorf("--chat and --continue are mutually exclusive")
			}
			cfg, path, err := opts.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Addr = listen
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			logger, err := opts.logger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			app, err := NewApp(cfg, Deps{
				Logger:   logger,
				Markdown: IsStdoutTTY() && !plain,
			})
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			if err := app.openInitialChat(ctx, chatID, resume, incognito); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			gctx, cancel := context.WithCancel(gctx)
			if cfg.Server.Addr != "" {
				srv := app.opsServer(cfg)
				g.Go(func() error {
					if err := srv.Run(gctx); err != nil {
						logger.Warn("ops server stopped", zap.Error(err))
					}
					return nil
				})
				app.render.Info("Ops API listening on %s", cfg.Server.Addr)
			}
			if !noWatch {
				if w := watchConfig(path, logger, app.ApplyConfig); w != nil {
					defer w.Close()
				}
			}

			app.checkOllama(ctx)
			var in LineReader
			if IsTTY() {
				app.Welcome()
				in = newLinerReader()
			} else {
				in = NewScanReader(cmd.InOrStdin())
			}
			defer in.Close()

			runErr := app.Run(ctx, in)
			cancel()
			return errors.Join(runErr, g.Wait())
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&chatID, "chat", "", "open a stored chat by id or unique id prefix")
	cmd.Flags().BoolVarP(&resume, "continue", "c", false, "open the most recently updated chat")
	cmd.Flags().BoolVar(&incognito, "incognito", false, "start a chat that is never saved")
	cmd.Flags().StringVar(&listen, "listen", "", "serve the read-only ops API on this address")
	cmd.Flags().BoolVar(&plain, "plain", false, "stream raw text instead of rendering markdown")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")

	cmd.AddCommand(newChatsCmd(opts))
	cmd.AddCommand(newExportCmd(opts))
	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	return cmd
}

// bind registers the persistent flags.
func (o *Options) bind(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&o.ConfigPath, "config", "", "config file (default ~/.rigrun-chat/config.toml)")
	f.StringVar(&o.DBPath, "db", "", "SQLite database path")
	f.BoolVar(&o.Ephemeral, "ephemeral", false, "keep chats in memory only")
	f.StringVar(&o.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// configFile resolves the config path from the flag or the default.
func (o *Options) configFile() (string, error) {
	if o.ConfigPath != "" {
		return o.ConfigPath, nil
	}
	return config.ConfigPath()
}

// load reads the config and applies flag overrides.
func (o *Options) load() (*config.Config, string, error) {
	path, err := o.configFile()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return nil, "", err
	}
	if o.DBPath != "" {
		cfg.Storage.Path = o.DBPath
	}
	if o.Ephemeral {
		cfg.Storage.Ephemeral = true
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	return cfg, path, nil
}

// logger builds the zap logger. The shell owns the terminal, so logs go to
// a file under the config directory unless one is configured.
func (o *Options) logger(cfg *config.Config) (*zap.Logger, error) {
	file := cfg.Logging.File
	if file == "" {
		dir, err := config.ConfigDir()
		if err != nil {
			return nil, err
		}
		file = filepath.Join(dir, "chat.log")
	}
	return logging.New(cfg.Logging.Mode, logging.Options{
		Level: cfg.Logging.Level,
		File:  file,
	})
}

// openStore opens the configured store for the non-interactive commands.
func (o *Options) openStore() (storage.Store, error) {
	cfg, _, err := o.load()
	if err != nil {
		return nil, err
	}
	return openStore(cfg)
}

// =============================================================================
// SESSION HELPERS
// =============================================================================

// openInitialChat opens the chat the flags ask for, or starts a new one.
func (a *App) openInitialChat(ctx context.Context, chatID string, resume, incognito bool) error {
	if chatID != "" {
		return a.OpenChat(ctx, chatID)
	}
	if resume {
		chats, err := a.store.ListChats(ctx)
		if err != nil {
			return err
		}
		if len(chats) > 0 {
			return a.OpenChat(ctx, chats[0].Chat.ID)
		}
	}
	return a.NewChat(ctx, "", incognito)
}

// opsServer builds the ops API over the session's store and telemetry.
func (a *App) opsServer(cfg *config.Config) *server.Server {
	return server.New(server.Options{
		Addr:    cfg.Server.Addr,
		Token:   cfg.Server.Token,
		Store:   a.store,
		Metrics: a.metrics,
		Usage:   a.usage,
		Logger:  a.logger,
	})
}

// checkOllama warns when Ollama cannot be reached or the configured model
// is not pulled. The shell still starts so stored chats can be read.
func (a *App) checkOllama(ctx context.Context) {
	client, ok := a.gen.(*ollama.Client)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, startupCheckTimeout)
	defer cancel()
	if err := client.CheckRunning(ctx); err != nil {
		a.logger.Warn("ollama unreachable", zap.String("url", a.cfg.Generation.URL), zap.Error(err))
		a.render.printf("%s\n", WarningStyle.Render(fmt.Sprintf("Ollama is not reachable at %s (%v)", a.cfg.Generation.URL, err)))
		return
	}
	models, err := client.ListModels(ctx)
	if err != nil {
		a.logger.Warn("list models failed", zap.Error(err))
		return
	}
	if !hasModel(models, a.cfg.Generation.Model) {
		a.logger.Warn("model not pulled", zap.String("model", a.cfg.Generation.Model), zap.Int("available", len(models)))
		a.render.printf("%s\n", WarningStyle.Render(fmt.Sprintf("Model %s is not pulled; run: ollama pull %s", a.cfg.Generation.Model, a.cfg.Generation.Model)))
	}
}

// hasModel reports whether name is among models. A name without a tag
// matches its :latest variant.
func hasModel(models []ollama.ModelInfo, name string) bool {
	for _, m := range models {
		if m.Name == name || m.Name == name+":latest" {
			return true
		}
	}
	return false
}

// watchConfig reloads path on change. Watching is skipped when the config
// directory does not exist.
func watchConfig(path string, logger *zap.Logger, apply func(*config.Config)) *config.Watcher {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return nil
	}
	w, err := config.Watch(path, 0, logger, apply)
	if err != nil {
		logger.Warn("config watch disabled", zap.Error(err))
		return nil
	}
	return w
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// =============================================================================
// SUBCOMMANDS
// =============================================================================

func newChatsCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List stored chats, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			chats, err := store.ListChats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), storage.FormatChatList(chats))
			return nil
		},
	}
}

func newExportCmd(opts *Options) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export <chat-id> [file]",
		Short: "Export a chat as markdown or JSON",
		Long: "Export a chat transcript. With a file argument the format follows the\n" +
			"extension (.json or markdown); otherwise it is written to stdout.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			t, err := loadTranscript(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			if len(args) == 2 {
				if err := t.WriteFile(args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d messages to %s\n", len(t.Messages), args[1])
				return nil
			}
			return writeTranscript(cmd.OutOrStdout(), t, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "markdown", "stdout format: markdown or json")
	return cmd
}

func newServeCmd(opts *Options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only ops API without opening the shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if cfg.Server.Addr == "" {
				cfg.Server.Addr = server.DefaultAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Mode, logging.Options{
				Level: cfg.Logging.Level,
				File:  cfg.Logging.File,
			})
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			logger.Info("ops server starting", zap.String("addr", cfg.Server.Addr))
			return server.New(server.Options{
				Addr:   cfg.Server.Addr,
				Token:  cfg.Server.Token,
				Store:  store,
				Logger: logger,
			}).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default "+server.DefaultAddr+")")
	return cmd
}

func newConfigCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.configFile()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting (e.g. rate_limit.burst)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			v, err := cfg.Get(args[0])
			if err != nil {
				return usageErrorf("%v", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one setting in the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.configFile()
			if err != nil {
				return err
			}
			return setConfigValue(path, args[0], args[1])
		},
	})
	return cmd
}

// setConfigValue edits one key of the file at path. Environment overrides
// are not written back.
func setConfigValue(path, key, value string) error {
	cfg := config.Default()
	if _, err := os.Stat(path); err == nil {
		if err := config.LoadTOML(cfg, path); err != nil {
			return err
		}
	}
	if err := cfg.Set(key, value); err != nil {
		return usageErrorf("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.SaveTOML(cfg, path)
}

// =============================================================================
// TRANSCRIPTS
// =============================================================================

// loadTranscript reads a chat and its messages by id or unique prefix.
func loadTranscript(ctx context.Context, store storage.Store, idOrPrefix string) (*storage.Transcript, error) {
	id, err := resolveChatID(ctx, store, idOrPrefix)
	if err != nil {
		return nil, err
	}
	chat, err := store.GetChat(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	t := &storage.Transcript{Chat: *chat}
	for _, m := range msgs {
		t.Messages = append(t.Messages, *m)
	}
	return t, nil
}

func writeTranscript(w io.Writer, t *storage.Transcript, format string) error {
	switch format {
	case "json":
		data, err := t.ExportJSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "markdown", "md":
		_, err := fmt.Fprint(w, t.ExportMarkdown())
		return err
	default:
		return usageErrorf("unknown format %q (want markdown or json)", format)
	}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive read loop.
//
// Interactive Commands (during chat):
//   /help               Show available commands
//   /regen, /continue   Rework the last reply
//   /quit               Exit chat
//   Ctrl+C              Stop the reply in progress
//   Ctrl+D              Exit chat

package cli

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/peterh/liner"

	"github.com/jeranaias/rigrun-chat/internal/config"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// LineReader reads one line of input per call.
type LineReader interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

// linerReader provides history and line editing on a terminal.
type linerReader struct {
	line        *liner.State
	historyFile string
}

// newLinerReader creates a terminal reader and loads saved history.
func newLinerReader() *linerReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(completeCommand)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	r := &linerReader{line: line, historyFile: filepath.Join(dir, "chat_history")}
	if f, err := os.Open(r.historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	return r
}

func (r *linerReader) ReadLine(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with owner-only permissions and restores the terminal.
func (r *linerReader) Close() error {
	if err := os.MkdirAll(filepath.Dir(r.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			r.line.WriteHistory(f)
			f.Close()
		}
	}
	return r.line.Close()
}

func completeCommand(line string) []string {
	if !strings.HasPrefix(line, "/") || strings.Contains(line, " ") {
		return nil
	}
	var out []string
	for _, c := range commandHelp {
		name, _, _ := strings.Cut(c.cmd, " ")
		if strings.HasPrefix(name, line) {
			out = append(out, name)
		}
	}
	return out
}

// scanReader reads piped input, one line per call.
type scanReader struct {
	scanner *bufio.Scanner
}

// NewScanReader reads lines from r without a prompt.
func NewScanReader(r io.Reader) LineReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &scanReader{scanner: s}
}

func (r *scanReader) ReadLine(string) (string, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

func (r *scanReader) Close() error { return nil }

// =============================================================================
// READ LOOP
// =============================================================================

// Run reads and executes lines until /quit, EOF or ctx ends. SIGINT stops
// the reply in progress instead of killing the process.
func (a *App) Run(ctx context.Context, in LineReader) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				if a.Stop() {
					continue
				}
				if sig == syscall.SIGTERM {
					cancel()
					return
				}
			}
		}
	}()

	return a.loop(ctx, in)
}

func (a *App) loop(ctx context.Context, in LineReader) error {
	prompt := PromptStyle.Render("chat> ")
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := in.ReadLine(prompt)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				a.render.println()
				return nil
			}
			return err
		}
		quit, err := a.Execute(ctx, line)
		if err != nil {
			a.render.Error(err)
		}
		if quit {
			return nil
		}
	}
}

// Welcome prints the session banner.
func (a *App) Welcome() {
	o := a.Current()
	a.render.println(TitleStyle.Render("rigrun-chat"))
	a.render.println(RenderSeparator(30))
	a.render.printf("%s %s\n", RenderLabel("Model:"), CommandStyle.Render(a.cfg.Generation.Model))
	if o != nil {
		chat := o.Chat()
		a.render.printf("%s %s\n", RenderLabel("Chat:"), DimStyle.Render(chat.ID))
		if n := len(o.Messages()); n > 0 {
			a.render.printf("%s %d messages\n", RenderLabel("History:"), n)
		}
		if chat.Incognito {
			a.render.printf("%s %s\n", RenderLabel("Mode:"), WarningStyle.Render("incognito, nothing is saved"))
		}
	}
	a.render.println(DimStyle.Render("Type a message and press Enter. /help lists commands."))
	a.render.println()
}

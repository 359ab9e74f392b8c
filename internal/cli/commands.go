// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// commands.go - Plain input becomes a send; slash commands drive the other
// orchestrator operations.

package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/orchestrator"
	"github.com/jeranaias/rigrun-chat/internal/storage"
)

// ErrNoChat is returned by commands that need an open chat.
var ErrNoChat = errors.New("no chat open (use /new or /open)")

// commandHelp lists slash commands in display order.
var commandHelp = []struct {
	cmd  string
	desc string
}{
	{"/help", "Show this help"},
	{"/history", "List messages of this chat with their numbers"},
	{"/show [n]", "Print message n in full (default: last)"},
	{"/regen [n]", "Regenerate assistant message n (default: last)"},
	{"/continue [n]", "Continue a reply that stopped early"},
	{"/retry [n]", "Resend user message n (default: last)"},
	{"/edit <text>", "Resend your last message with new text"},
	{"/new [title]", "Start a new chat"},
	{"/open <id>", "Open a stored chat by id or id prefix"},
	{"/chats", "List stored chats"},
	{"/export <path>", "Write this chat to .md or .json"},
	{"/memories", "Show exchanges recorded to memory"},
	{"/persona [name]", "Show or set the persona"},
	{"/grounding on|off", "Toggle web grounding for sends"},
	{"/incognito on|off", "Toggle incognito for sends"},
	{"/stats", "Show session statistics"},
	{"/quit", "Exit"},
}

// Execute runs one line of input. It reports quit=true for /quit.
func (a *App) Execute(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, a.send(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "/help", "/h", "/?", "/":
		a.printHelp()
	case "/quit", "/q", "/exit":
		return true, nil
	case "/history":
		return false, a.withChat(func(o *orchestrator.Orchestrator) error {
			a.render.History(o.Messages())
			return nil
		})
	case "/show":
		return false, a.show(arg)
	case "/regen", "/regenerate":
		return false, a.regenerate(ctx, arg)
	case "/continue":
		return false, a.continueReply(ctx, arg)
	case "/retry":
		return false, a.retry(ctx, arg)
	case "/edit":
		return false, a.edit(ctx, arg)
	case "/new":
		a.mu.Lock()
		incognito := a.incognito
		a.mu.Unlock()
		if err := a.NewChat(ctx, arg, incognito); err != nil {
			return false, err
		}
		a.render.Info("[New chat %s]", a.Current().Chat().ID)
	case "/open":
		if arg == "" {
			return false, errors.New("usage: /open <chat id>")
		}
		if err := a.OpenChat(ctx, arg); err != nil {
			return false, err
		}
		o := a.Current()
		a.render.Info("[Opened %s, %d messages]", o.Chat().ID, len(o.Messages()))
	case "/chats":
		chats, err := a.store.ListChats(ctx)
		if err != nil {
			return false, err
		}
		a.render.Chats(chats)
	case "/export":
		return false, a.export(ctx, arg)
	case "/memories":
		return false, a.withChat(func(o *orchestrator.Orchestrator) error {
			recs, err := a.store.Memories(ctx, o.Chat().ID)
			if err != nil {
				return err
			}
			a.render.Memories(recs)
			return nil
		})
	case "/persona":
		return false, a.setPersona(arg)
	case "/grounding":
		return false, a.toggle(arg, "grounding", &a.grounding)
	case "/incognito":
		return false, a.toggle(arg, "incognito", &a.incognito)
	case "/stats":
		return false, a.withChat(func(o *orchestrator.Orchestrator) error {
			chat := o.Chat()
			u, ok := a.usage.Chat(chat.ID)
			a.render.Stats(chat, u, ok, o.CooldownRemaining(), a.started)
			return nil
		})
	default:
		return false, fmt.Errorf("unknown command: %s (type /help for commands)", cmd)
	}
	return false, nil
}

func (a *App) withChat(fn func(o *orchestrator.Orchestrator) error) error {
	o := a.Current()
	if o == nil {
		return ErrNoChat
	}
	return fn(o)
}

// =============================================================================
// TURNS
// =============================================================================

func (a *App) send(ctx context.Context, text string) error {
	return a.withChat(func(o *orchestrator.Orchestrator) error {
		defer a.running(func() { o.StopStreaming() })()
		a.printer.begin(0)
		res, err := o.SendMessage(ctx, text, a.sendOptions())
		return a.finish(o, res, err)
	})
}

func (a *App) regenerate(ctx context.Context, arg string) error {
	return a.withChat(func(o *orchestrator.Orchestrator) error {
		msg, err := pickMessage(o.Messages(), arg, model.RoleAssistant, nil)
		if err != nil {
			return err
		}
		defer a.running(func() { o.StopMessage(msg.ID) })()
		a.printer.begin(0)
		res, err := o.RegenerateAssistant(ctx, msg.ID)
		return a.finish(o, res, err)
	})
}

func (a *App) continueReply(ctx context.Context, arg string) error {
	return a.withChat(func(o *orchestrator.Orchestrator) error {
		msg, err := pickMessage(o.Messages(), arg, model.RoleAssistant, func(m model.Message) bool {
			return m.CanContinue()
		})
		if err != nil {
			return err
		}
		defer a.running(func() { o.StopMessage(msg.ID) })()
		a.printer.begin(len(msg.Text))
		res, err := o.ContinueResponse(ctx, msg.ID)
		return a.finish(o, res, err)
	})
}

func (a *App) retry(ctx context.Context, arg string) error {
	return a.withChat(func(o *orchestrator.Orchestrator) error {
		msg, err := pickMessage(o.Messages(), arg, model.RoleUser, nil)
		if err != nil {
			return err
		}
		defer a.running(func() { o.StopStreaming() })()
		a.printer.begin(0)
		res, err := o.RetryUserMessage(ctx, msg.ID, a.sendOptions())
		return a.finish(o, res, err)
	})
}

func (a *App) edit(ctx context.Context, text string) error {
	if text == "" {
		return errors.New("usage: /edit <new text>")
	}
	return a.withChat(func(o *orchestrator.Orchestrator) error {
		msg, err := pickMessage(o.Messages(), "", model.RoleUser, nil)
		if err != nil {
			return err
		}
		defer a.running(func() { o.StopStreaming() })()
		a.printer.begin(0)
		res, err := o.EditAndResend(ctx, msg.ID, text, a.sendOptions())
		return a.finish(o, res, err)
	})
}

// finish prints a settled turn. Cancellation and admission rate limits come
// back as errors with a usable Result; both are shown as outcomes.
func (a *App) finish(o *orchestrator.Orchestrator, res orchestrator.Result, err error) error {
	streamed := a.printer.end()
	var rl *orchestrator.RateLimitExceeded
	if err != nil && !errors.Is(err, orchestrator.ErrCancelled) && !errors.As(err, &rl) {
		return err
	}
	msg, _ := o.Message(res.MessageID)
	a.render.Result(res, msg, streamed)
	return nil
}

// pickMessage resolves a 1-based position or message id. With no argument
// it picks the newest message of the role that passes ok.
func pickMessage(msgs []model.Message, arg string, role model.Role, ok func(model.Message) bool) (model.Message, error) {
	if arg == "" {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == role && (ok == nil || ok(msgs[i])) {
				return msgs[i], nil
			}
		}
		return model.Message{}, fmt.Errorf("no %s message to use", role.DisplayName())
	}

	var found *model.Message
	if n, err := strconv.Atoi(strings.TrimPrefix(arg, "#")); err == nil {
		if n < 1 || n > len(msgs) {
			return model.Message{}, fmt.Errorf("no message %d (have %d)", n, len(msgs))
		}
		found = &msgs[n-1]
	} else {
		for i := range msgs {
			if msgs[i].ID == arg {
				found = &msgs[i]
				break
			}
		}
		if found == nil {
			return model.Message{}, orchestrator.ErrMessageNotFound
		}
	}
	if found.Role != role {
		return model.Message{}, fmt.Errorf("message %s is not a %s message", arg, role.DisplayName())
	}
	return *found, nil
}

// =============================================================================
// OTHER COMMANDS
// =============================================================================

func (a *App) show(arg string) error {
	return a.withChat(func(o *orchestrator.Orchestrator) error {
		msgs := o.Messages()
		if len(msgs) == 0 {
			return errors.New("no messages yet")
		}
		msg := msgs[len(msgs)-1]
		if arg != "" {
			n, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
			if err != nil || n < 1 || n > len(msgs) {
				return fmt.Errorf("no message %s", arg)
			}
			msg = msgs[n-1]
		}
		a.render.Message(msg)
		return nil
	})
}

func (a *App) export(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("usage: /export <path.md|path.json>")
	}
	return a.withChat(func(o *orchestrator.Orchestrator) error {
		tr := storage.Transcript{Chat: o.Chat(), Messages: o.Messages()}
		if err := tr.WriteFile(path); err != nil {
			return fmt.Errorf("export: %w", err)
		}
		a.render.Info("[Exported %d messages to %s]", len(tr.Messages), path)
		return nil
	})
}

func (a *App) setPersona(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if name == "" {
		current := a.persona
		if current == "" {
			current = "(none)"
		}
		names := make([]string, 0, len(a.cfg.Generation.Personas))
		for n := range a.cfg.Generation.Personas {
			names = append(names, n)
		}
		a.render.Info("[Persona: %s; available: %s]", current, strings.Join(names, ", "))
		return nil
	}
	if name == "none" {
		a.persona = ""
		return nil
	}
	if _, ok := a.cfg.Generation.Personas[name]; !ok {
		return fmt.Errorf("unknown persona %q", name)
	}
	a.persona = name
	a.render.Info("[Persona set to %s]", name)
	return nil
}

func (a *App) toggle(arg, name string, field *bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch strings.ToLower(arg) {
	case "":
	case "on", "true", "1":
		*field = true
	case "off", "false", "0":
		*field = false
	default:
		return fmt.Errorf("usage: /%s on|off", name)
	}
	state := "off"
	if *field {
		state = "on"
	}
	a.render.Info("[%s %s]", name, state)
	return nil
}

func (a *App) printHelp() {
	a.render.println(TitleStyle.Render("Commands"))
	a.render.println(RenderSeparator(20))
	for _, c := range commandHelp {
		a.render.printf("  %s  %s\n", CommandStyle.Render(fmt.Sprintf("%-18s", c.cmd)), DimStyle.Render(c.desc))
	}
	a.render.println(DimStyle.Render("Ctrl+C stops the reply in progress, Ctrl+D exits"))
}

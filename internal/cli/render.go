// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// render.go - Output for turns, history, chats and statistics.

package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/dustin/go-humanize"

	"github.com/jeranaias/rigrun-chat/internal/memory"
	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/orchestrator"
	"github.com/jeranaias/rigrun-chat/internal/storage"
	"github.com/jeranaias/rigrun-chat/internal/telemetry"
	"github.com/jeranaias/rigrun-chat/internal/util"
)

// =============================================================================
// RENDERER
// =============================================================================

// Renderer prints shell output. With markdown on, settled replies go
// through glamour; otherwise text is printed as-is.
type Renderer struct {
	out      io.Writer
	markdown bool
	md       *glamour.TermRenderer
}

// NewRenderer creates a renderer. Markdown falls back to plain text when
// glamour cannot be initialised.
func NewRenderer(out io.Writer, markdown bool, width int) *Renderer {
	r := &Renderer{out: out, markdown: markdown}
	if markdown {
		md, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width-4),
		)
		if err != nil {
			r.markdown = false
		} else {
			r.md = md
		}
	}
	return r
}

// Markdown renders text for display, returning it unchanged when markdown
// is off or rendering fails.
func (r *Renderer) Markdown(text string) string {
	if !r.markdown || r.md == nil {
		return text
	}
	out, err := r.md.Render(text)
	if err != nil {
		return text
	}
	return out
}

func (r *Renderer) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *Renderer) println(args ...any) {
	fmt.Fprintln(r.out, args...)
}

// Info prints a dim one-line notice.
func (r *Renderer) Info(format string, args ...any) {
	r.println(DimStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error line.
func (r *Renderer) Error(err error) {
	r.printf("%s %v\n", ErrorStyle.Render("[Error]"), err)
}

// =============================================================================
// TURN RESULTS
// =============================================================================

// Result prints how a turn ended. streamed reports whether the text was
// already printed live.
func (r *Renderer) Result(res orchestrator.Result, msg model.Message, streamed bool) {
	if !streamed && res.Text != "" && res.Outcome != orchestrator.OutcomeFailed {
		r.printf("%s\n", strings.TrimRight(r.Markdown(res.Text), "\n"))
	} else if streamed && res.Text != "" {
		r.println()
	}

	switch res.Outcome {
	case orchestrator.OutcomeComplete:
		r.println(DimStyle.Render(turnStats(msg)))
	case orchestrator.OutcomeTruncated:
		reason := "length limit"
		if res.Stopped != nil && res.Stopped.Reason != "" {
			reason = res.Stopped.Reason
		}
		r.printf("%s %s\n", WarningStyle.Render("[Stopped early: "+reason+"]"),
			DimStyle.Render("use /continue to resume"))
	case orchestrator.OutcomeRateLimited:
		r.printf("%s retry in %ds\n", WarningStyle.Render("[Rate limited]"), res.RetryAfterSeconds)
	case orchestrator.OutcomeFailed:
		r.printf("%s %v %s\n", ErrorStyle.Render("[Failed]"), res.Err, DimStyle.Render("use /retry to try again"))
	case orchestrator.OutcomeCancelled:
		r.println(WarningStyle.Render("[Cancelled]"))
	case orchestrator.OutcomeDropped:
		r.println(DimStyle.Render("[Ignored: regenerate requested too quickly]"))
	}

	for _, w := range res.Warnings {
		var sw *orchestrator.StoreWriteFailed
		if errors.As(w, &sw) {
			r.printf("%s %s\n", WarningStyle.Render("[Not saved]"), DimStyle.Render(sw.Op))
			continue
		}
		r.printf("%s %v\n", WarningStyle.Render("[Warning]"), w)
	}
}

func turnStats(msg model.Message) string {
	s := msg.Stats
	parts := []string{}
	if s.OutputTokens > 0 {
		parts = append(parts, humanize.Comma(int64(s.OutputTokens))+" tokens")
	}
	if s.TotalDuration > 0 {
		parts = append(parts, s.TotalDuration.Round(time.Millisecond).String())
	}
	if tps := s.TokensPerSecond(); tps > 0 {
		parts = append(parts, fmt.Sprintf("%.1f tok/s", tps))
	}
	if s.TTFT > 0 {
		parts = append(parts, "first token "+s.TTFT.Round(time.Millisecond).String())
	}
	if len(parts) == 0 {
		return "[done]"
	}
	return "[" + strings.Join(parts, " | ") + "]"
}

// =============================================================================
// LISTINGS
// =============================================================================

// History prints the conversation with 1-based positions usable in
// commands.
func (r *Renderer) History(msgs []model.Message) {
	if len(msgs) == 0 {
		r.Info("[No messages yet]")
		return
	}
	r.println(TitleStyle.Render("Conversation"))
	r.println(RenderSeparator(25))
	for i, m := range msgs {
		label := UserStyle.Render("You")
		if m.Role == model.RoleAssistant {
			label = AssistantStyle.Render("AI ")
		}
		var flags []string
		switch {
		case m.StreamState == model.StreamError:
			flags = append(flags, ErrorStyle.Render("error"))
		case m.IsStreaming():
			flags = append(flags, WarningStyle.Render("streaming"))
		case m.Truncated:
			flags = append(flags, WarningStyle.Render("truncated"))
		}
		if m.SupersedesMessageID != "" {
			flags = append(flags, DimStyle.Render("edited"))
		}
		if m.GroundingStatus == model.GroundingSuccess {
			flags = append(flags, DimStyle.Render("grounded"))
		}
		line := fmt.Sprintf("%3d. %s %s", i+1, label, util.TruncateWidth(util.SingleLine(m.Text), 60))
		if len(flags) > 0 {
			line += " (" + strings.Join(flags, ", ") + ")"
		}
		r.println(line)
	}
}

// Message prints one message in full, with grounding sources.
func (r *Renderer) Message(m model.Message) {
	label := UserStyle.Render("You")
	if m.Role == model.RoleAssistant {
		label = AssistantStyle.Render("AI")
	}
	r.printf("%s %s\n", label, DimStyle.Render(m.ID))
	r.printf("%s\n", strings.TrimRight(r.Markdown(m.Text), "\n"))
	if m.Error != "" {
		r.printf("%s %s\n", ErrorStyle.Render("[Error]"), m.Error)
	}
	if md := m.GroundingMetadata; !md.IsEmpty() {
		r.println(DimStyle.Render("Sources:"))
		for _, src := range md.Sources {
			title := src.Title
			if title == "" {
				title = src.URL
			}
			r.printf("  - %s %s\n", title, DimStyle.Render(src.URL))
		}
	}
}

// Chats prints stored chats.
func (r *Renderer) Chats(chats []storage.ChatSummary) {
	r.println(storage.FormatChatList(chats))
}

// Memories prints ingested exchanges for a chat.
func (r *Renderer) Memories(recs []memory.Record) {
	if len(recs) == 0 {
		r.Info("[No memories recorded for this chat]")
		return
	}
	for _, rec := range recs {
		r.printf("%s %s\n  %s\n",
			DimStyle.Render(humanize.Time(rec.Timestamp)),
			util.TruncateWidth(util.SingleLine(rec.UserText), 60),
			DimStyle.Render(util.TruncateWidth(util.SingleLine(rec.AssistantText), 70)))
	}
}

// Stats prints session state for the open chat.
func (r *Renderer) Stats(chat model.Chat, u telemetry.ChatUsage, haveUsage bool, cooldown time.Duration, started time.Time) {
	r.println(TitleStyle.Render("Session"))
	r.println(RenderSeparator(20))
	r.printf("%s %s\n", RenderLabel("Chat:"), chat.ID)
	if chat.Title != "" {
		r.printf("%s %s\n", RenderLabel("Title:"), chat.Title)
	}
	if chat.Incognito {
		r.printf("%s %s\n", RenderLabel("Mode:"), WarningStyle.Render("incognito"))
	}
	r.printf("%s %s\n", RenderLabel("Started:"), humanize.Time(started))
	if haveUsage {
		r.printf("%s %d\n", RenderLabel("Turns:"), u.Turns)
		r.printf("%s %s in / %s out\n", RenderLabel("Tokens:"),
			humanize.Comma(int64(u.Tokens.Input)), humanize.Comma(int64(u.Tokens.Output)))
		r.printf("%s %s\n", RenderLabel("Streaming:"), u.Streaming.Round(time.Millisecond))
	}
	if cooldown > 0 {
		r.printf("%s %s\n", RenderLabel("Cooldown:"), WarningStyle.Render(cooldown.Round(time.Second).String()))
	}
}

// =============================================================================
// LIVE STREAM PRINTER
// =============================================================================

// streamPrinter writes assistant text to the terminal as flushes arrive.
// The shell runs one turn at a time, so any streaming assistant snapshot
// belongs to the turn being printed.
type streamPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	enabled bool
	active  bool
	printed int
}

func newStreamPrinter(out io.Writer, enabled bool) *streamPrinter {
	return &streamPrinter{out: out, enabled: enabled}
}

// begin starts printing; skip is the length of text already on screen.
func (p *streamPrinter) begin(skip int) {
	p.mu.Lock()
	p.active = p.enabled
	p.printed = skip
	p.mu.Unlock()
}

// end stops printing and reports whether anything was printed.
func (p *streamPrinter) end() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wrote := p.active && p.printed > 0
	p.active = false
	return wrote
}

// MessageUpdated implements orchestrator.Observer.
func (p *streamPrinter) MessageUpdated(msg model.Message) {
	if msg.Role != model.RoleAssistant {
		return
	}
	switch msg.StreamState {
	case model.StreamSending, model.StreamStreaming, model.StreamComplete:
	default:
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || len(msg.Text) <= p.printed {
		return
	}
	io.WriteString(p.out, msg.Text[p.printed:])
	p.printed = len(msg.Text)
}

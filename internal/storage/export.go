// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/util"
)

// =============================================================================
// EXPORT
// =============================================================================

// Transcript is a chat with its messages, ready for export.
type Transcript struct {
	Chat     model.Chat      `json:"chat"`
	Messages []model.Message `json:"messages"`
}

// ExportMarkdown renders the transcript as Markdown with role labels,
// truncation markers and grounding sources.
func (t *Transcript) ExportMarkdown() string {
	var sb strings.Builder
	title := t.Chat.Title
	if title == "" {
		title = t.Chat.ID
	}
	sb.WriteString("# " + title + "\n\n")
	sb.WriteString("Created: " + t.Chat.CreatedAt.Format(time.RFC3339) + "\n\n")
	sb.WriteString("---\n\n")

	for _, msg := range t.Messages {
		sb.WriteString("**" + msg.Role.DisplayName() + "** (" + msg.CreatedAt.Format("15:04") + "):\n\n")
		sb.WriteString(msg.Text)
		sb.WriteString("\n\n")
		if msg.Truncated {
			sb.WriteString("_(response stopped early)_\n\n")
		}
		if msg.Error != "" {
			sb.WriteString("_Error: " + msg.Error + "_\n\n")
		}
		if md := msg.GroundingMetadata; !md.IsEmpty() {
			sb.WriteString("Sources:\n")
			for _, src := range md.Sources {
				label := src.Title
				if label == "" {
					label = src.URL
				}
				sb.WriteString("- [" + label + "](" + src.URL + ")\n")
			}
			sb.WriteString("\n")
		}
		sb.WriteString("---\n\n")
	}
	return sb.String()
}

// ExportJSON exports the transcript as pretty-printed JSON.
func (t *Transcript) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// WriteFile exports to path, choosing JSON for a .json suffix and Markdown
// otherwise.
func (t *Transcript) WriteFile(path string) error {
	var data []byte
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		b, err := t.ExportJSON()
		if err != nil {
			return err
		}
		data = b
	} else {
		data = []byte(t.ExportMarkdown())
	}
	return util.AtomicWriteFile(path, data, 0600)
}

// =============================================================================
// CHAT LIST FORMATTING
// =============================================================================

// FormatChatList formats chats as a fixed-width table.
func FormatChatList(chats []ChatSummary) string {
	if len(chats) == 0 {
		return "No chats found."
	}

	var sb strings.Builder
	rule := strings.Repeat("-", 72) + "\n"
	sb.WriteString(rule)
	sb.WriteString(util.PadWidth("ID", 14) + " " + util.PadWidth("Updated", 17) + " " +
		util.PadWidth("Msgs", 5) + " Preview\n")
	sb.WriteString(rule)

	for _, c := range chats {
		id := c.Chat.ID
		if len(id) > 14 {
			id = id[:14]
		}
		flags := ""
		if c.Chat.Incognito {
			flags = "[incognito] "
		}
		sb.WriteString(util.PadWidth(id, 14) + " " +
			util.PadWidth(humanize.Time(c.Chat.UpdatedAt), 17) + " " +
			util.PadWidth(strconv.Itoa(c.MessageCount), 5) + " " +
			util.TruncateWidth(flags+util.SingleLine(c.Preview), 34) + "\n")
	}
	return sb.String()
}

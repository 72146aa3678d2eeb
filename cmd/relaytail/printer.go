package main

import (
	"fmt"
	"io"
	"strings"

	"wuzapi-relay/internal/models"
)

var statusMarks = map[models.Status]string{
	models.StatusSending:   "…",
	models.StatusSent:      "✓",
	models.StatusDelivered: "✓✓",
	models.StatusRead:      "✓✓ read",
	models.StatusFailed:    "! failed",
}

type printer struct {
	w io.Writer
}

func newPrinter(w io.Writer) *printer { return &printer{w: w} }

// render redraws the conversation oldest first.
func (p *printer) render(msgs []models.Message, conv models.Conversation, hasMore bool) {
	var b strings.Builder
	b.WriteString("\033[H\033[2J")
	if hasMore {
		b.WriteString("  (/more for older messages)\n")
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		b.WriteString(formatMessage(msgs[i]))
		b.WriteByte('\n')
	}
	if conv.IsTyping {
		b.WriteString("  typing...\n")
	}
	fmt.Fprint(p.w, b.String())
}

func (p *printer) notice(msg string) {
	fmt.Fprintf(p.w, "  -- %s\n", msg)
}

func formatMessage(m models.Message) string {
	who := m.SenderName
	if who == "" {
		who = "them"
	}
	if m.IsOutgoing {
		who = "me"
	}

	body := m.Body
	if m.Type != models.TypeText && m.Type != "" {
		body = fmt.Sprintf("[%s] %s", m.Type, body)
		if m.MediaURL != "" {
			body += " " + m.MediaURL
		}
	}

	line := fmt.Sprintf("%s %s: %s", m.CreatedAt.Local().Format("15:04"), who, strings.TrimSpace(body))
	if m.IsOutgoing {
		if mark, ok := statusMarks[m.Status]; ok {
			line += "  " + mark
		}
		if m.Status == models.StatusFailed && m.ErrorMessage != "" {
			line += " (" + m.ErrorMessage + ")"
		}
	}
	return line
}

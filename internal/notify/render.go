package notify

import (
	"fmt"
	"html"
	"strings"

	"lunchbox/internal/registry"
)

// Compose builds the outbound subject/body pair for an entry. The entry's
// Message field is pre-rendered by the scheduling engine; this adds the
// per-kind subject line and a minimal HTML variant.
func Compose(e registry.Entry) Message {
	subject := subjectFor(e)
	text := strings.TrimSpace(e.Message)
	if text == "" {
		text = subject
	}
	return Message{
		Subject: subject,
		Text:    text,
		HTML:    renderHTML(subject, text),
	}
}

func subjectFor(e registry.Entry) string {
	switch e.Kind {
	case registry.KindDueReminder:
		return "Lunchbox: task due soon"
	case registry.KindOverdueAlert:
		return "Lunchbox: task overdue"
	case registry.KindDayOfWeek:
		return "Lunchbox: today's task"
	default:
		return "Lunchbox reminder"
	}
}

func renderHTML(subject, text string) string {
	var b strings.Builder
	b.WriteString("<div style=\"font-family:sans-serif\">")
	b.WriteString(fmt.Sprintf("<h3>%s</h3>", html.EscapeString(subject)))
	for _, line := range strings.Split(text, "\n") {
		b.WriteString(fmt.Sprintf("<p>%s</p>", html.EscapeString(line)))
	}
	b.WriteString("</div>")
	return b.String()
}

package chat

import (
	"strings"

	"enginelink/internal/dispatch"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	Primary     = lipgloss.AdaptiveColor{Light: "#101F38", Dark: "#8BC34A"}
	Muted       = lipgloss.AdaptiveColor{Light: "#6A737D", Dark: "#8B949E"}
	Destructive = lipgloss.Color("#e53935")
	Warning     = lipgloss.Color("#FFC107")
	Info        = lipgloss.Color("#2196F3")
)

// Styles holds the lipgloss styles used by the view.
type Styles struct {
	Header  lipgloss.Style
	Mode    lipgloss.Style
	Muted   lipgloss.Style
	Status  lipgloss.Style
	Notice  lipgloss.Style
	Spinner lipgloss.Style
	User    lipgloss.Style
	Tool    lipgloss.Style
	Log     lipgloss.Style
}

// DefaultStyles returns the default styles.
func DefaultStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(Primary),
		Mode:    lipgloss.NewStyle().Foreground(Info).Bold(true),
		Muted:   lipgloss.NewStyle().Foreground(Muted),
		Status:  lipgloss.NewStyle().Foreground(Muted).Italic(true),
		Notice:  lipgloss.NewStyle().Foreground(Warning),
		Spinner: lipgloss.NewStyle().Foreground(Primary),
		User:    lipgloss.NewStyle().Bold(true).Foreground(Primary),
		Tool:    lipgloss.NewStyle().Foreground(Muted).PaddingLeft(2),
		Log:     lipgloss.NewStyle().Foreground(Destructive),
	}
}

// renderMessages renders the transcript for the viewport. Answers go through
// renderer when it is set.
func renderMessages(msgs []dispatch.Message, renderer *glamour.TermRenderer, s Styles) string {
	if len(msgs) == 0 {
		return s.Muted.Render("No messages yet.")
	}

	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n")
		}
		switch m.Kind {
		case dispatch.KindUser:
			sb.WriteString(s.User.Render("> " + m.Content))
			sb.WriteString("\n")
		case dispatch.KindAnswer:
			sb.WriteString(renderMarkdown(m.Content, renderer))
			sb.WriteString("\n")
		case dispatch.KindTool:
			sb.WriteString(s.Tool.Render(m.Content))
			sb.WriteString("\n")
		case dispatch.KindLog:
			sb.WriteString(s.Log.Render(m.Content))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func renderMarkdown(content string, renderer *glamour.TermRenderer) string {
	if renderer == nil {
		return content
	}
	out, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimRight(out, "\n")
}

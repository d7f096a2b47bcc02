package main

import (
	"errors"
	"fmt"
	"strings"

	"enginelink/internal/config"
	"enginelink/internal/dispatch"
	"enginelink/internal/logging"
	"enginelink/internal/store"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

var historyLimit int

var errNoTranscript = errors.New("transcripts are disabled (set session.transcript_path or ENGINELINK_TRANSCRIPT)")

// historyCmd lists stored sessions
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored sessions, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		sessions, err := db.ListSessions(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No stored sessions found.")
			return nil
		}

		fmt.Fprintln(out, "Stored Sessions")
		fmt.Fprintln(out, strings.Repeat("─", 60))
		for _, s := range sessions {
			title := s.Title
			if title == "" {
				title = "(empty)"
			}
			fmt.Fprintf(out, "  %s  %-8s  %3d msgs  %s\n", s.ID, s.Mode, s.MessageCount, title)
			fmt.Fprintf(out, "      updated %s\n", s.UpdatedAt.Format("2006-01-02 15:04"))
		}
		fmt.Fprintln(out, strings.Repeat("─", 60))
		fmt.Fprintf(out, "Total: %d sessions\n", len(sessions))
		fmt.Fprintln(out, "\nUse: enginelink show <session-id>")
		return nil
	},
}

// showCmd prints one stored transcript
var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a stored transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		msgs, err := db.LoadTranscript(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err != nil {
			renderer = nil
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), transcriptMarkdown(msgs, renderer))
		return err
	},
}

func openStore(c *config.Config) (*store.DB, error) {
	if !c.IsTranscriptEnabled() {
		return nil, errNoTranscript
	}
	return store.Open(c.Session.TranscriptPath, logging.Get(logging.CategoryStore))
}

// beginTranscript opens the store and starts a session when transcripts are
// enabled. The returned close func is always safe to call.
func beginTranscript(c *config.Config, mode string) (*store.Transcript, func(), error) {
	if !c.IsTranscriptEnabled() {
		return nil, func() {}, nil
	}
	db, err := openStore(c)
	if err != nil {
		return nil, nil, err
	}
	tr, err := db.Begin(mode)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return tr, func() { db.Close() }, nil
}

// transcriptMarkdown renders msgs as one markdown document. A nil renderer
// returns the raw markdown.
func transcriptMarkdown(msgs []dispatch.Message, renderer *glamour.TermRenderer) string {
	var sb strings.Builder
	for _, m := range msgs {
		switch m.Kind {
		case dispatch.KindUser:
			sb.WriteString("### > " + firstLine(m.Content) + "\n\n")
			if rest := restLines(m.Content); rest != "" {
				sb.WriteString(rest + "\n\n")
			}
		case dispatch.KindAnswer:
			sb.WriteString(m.Content + "\n\n")
		case dispatch.KindTool:
			sb.WriteString("```\n" + m.Content + "\n```\n\n")
		case dispatch.KindLog:
			sb.WriteString("*" + m.Content + "*\n\n")
		}
	}

	md := sb.String()
	if renderer == nil {
		return md
	}
	rendered, err := renderer.Render(md)
	if err != nil {
		return md
	}
	return rendered
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func restLines(s string) string {
	_, rest, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(rest)
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}

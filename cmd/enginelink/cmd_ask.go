package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"enginelink/internal/bridge"
	"enginelink/internal/config"
	"enginelink/internal/dispatch"
	"enginelink/internal/logging"
	"enginelink/internal/protocol"
	"enginelink/internal/session"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var askMode string

// abortConfirmWait bounds how long ask waits for the engine to confirm an
// abort before giving up on the request.
var abortConfirmWait = 5 * time.Second

// errAborted is returned by ask when the request ends without an answer.
var errAborted = errors.New("request aborted")

// askCmd sends one request and streams the answer to stdout
var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Send a single request and stream the answer",
	Long: `Starts the engine, sends one request and prints the answer as it streams.
Tool calls and progress go to stderr. Ctrl+C asks the engine to abort.

Example:
  enginelink ask --mode research "compare sqlite drivers for Go"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := protocol.Mode(askMode)
		if mode == "" {
			mode = protocol.Mode(cfg.Session.DefaultMode)
		}
		if !mode.Valid() {
			return fmt.Errorf("invalid mode %q", askMode)
		}

		// The first signal asks the engine to abort; after that signals get
		// their default behavior again.
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		context.AfterFunc(ctx, stop)

		return runAsk(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, mode, joinArgs(args))
	},
}

func runAsk(ctx context.Context, out, errOut io.Writer, c *config.Config, mode protocol.Mode, prompt string) error {
	tr, closeStore, err := beginTranscript(c, string(mode))
	if err != nil {
		return err
	}
	defer closeStore()

	var st dispatch.Store
	if tr != nil {
		st = tr
	}
	client := bridge.New(clientOptions(c, st))
	defer client.Stop()

	timer := logging.StartTimer(logging.CategoryBridge, "handshake")
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	timer.Stop()

	if _, err := client.SubmitMode(mode, prompt); err != nil {
		return err
	}
	return streamAnswer(ctx, client, out, errOut)
}

// streamAnswer prints deltas until the request ends. Cancelling ctx sends
// one abort and keeps reading until the engine confirms or abortConfirmWait
// passes.
func streamAnswer(ctx context.Context, client *bridge.Client, out, errOut io.Writer) error {
	logger := logging.Get(logging.CategoryBridge)
	cancelled := ctx.Done()
	var giveUp <-chan time.Time

	for {
		var u bridge.Update
		select {
		case <-cancelled:
			cancelled = nil
			if err := client.Abort(); err != nil {
				logger.Debug("Abort not sent", zap.Error(err))
			}
			timer := time.NewTimer(abortConfirmWait)
			defer timer.Stop()
			giveUp = timer.C
			continue
		case <-giveUp:
			logger.Warn("Engine did not confirm abort", zap.Duration("waited", abortConfirmWait))
			fmt.Fprintln(out)
			return fmt.Errorf("%w (engine did not confirm)", errAborted)
		case u = <-client.Updates():
		}

		switch u.Kind {
		case bridge.UpdateEvent:
			switch ev := u.Event.(type) {
			case protocol.ContentDelta:
				fmt.Fprint(out, ev.Text)
			case protocol.ToolCall:
				fmt.Fprintf(errOut, "[%s] %s\n", ev.Tool, ev.Query)
			case protocol.ToolResult:
				if ev.Success {
					fmt.Fprintf(errOut, "[%s] -> %s\n", ev.Tool, ev.Summary)
				} else {
					fmt.Fprintf(errOut, "[%s] -> failed: %s\n", ev.Tool, ev.Error)
				}
			case protocol.Complete:
				fmt.Fprintln(out)
				return nil
			case protocol.Aborted:
				fmt.Fprintln(out)
				if ev.PartialSaved {
					return fmt.Errorf("%w (partial answer kept)", errAborted)
				}
				return errAborted
			case protocol.Error:
				return fmt.Errorf("engine error: %s", ev.Message)
			}

		case bridge.UpdateAnomaly:
			if u.Session.RequestStatus == session.StatusError {
				return fmt.Errorf("request failed: %w", u.Err)
			}

		case bridge.UpdateExited:
			if u.Err != nil {
				return fmt.Errorf("engine exited: %w", u.Err)
			}
			return errors.New("engine exited before the request finished")
		}
	}
}

package main

import (
	"fmt"
	"os"

	"enginelink/cmd/enginelink/chat"
	"enginelink/internal/bridge"
	"enginelink/internal/config"
	"enginelink/internal/dispatch"
	"enginelink/internal/logging"
	"enginelink/internal/protocol"
	"enginelink/internal/transport"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	configPath string
	engineLine string
	verbose    bool

	// Loaded in PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "enginelink",
	Short: "enginelink - terminal front-end for a streaming research engine",
	Long: `enginelink runs an engine process and talks to it over stdio using
line-delimited JSON. Answers, tool calls and progress stream into the terminal
as the engine produces them.

Run without arguments to start the interactive chat interface.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if engineLine != "" {
			loaded.SetEngineCommand(engineLine)
		}
		if verbose {
			loaded.Logging.DebugMode = true
			loaded.Logging.Level = "debug"
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", configPath, err)
		}
		cfg = loaded

		if err := logging.Initialize(cfg.Logging); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.Get(logging.CategoryBoot).Debug("Config loaded",
			zap.String("path", configPath),
			zap.String("engine", cfg.Engine.Command),
			zap.Strings("args", cfg.Engine.Args))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: launch interactive chat
		return runInteractiveChat(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the config file")
	rootCmd.PersistentFlags().StringVar(&engineLine, "engine", "", "Engine command line (overrides engine.command and engine.args)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	askCmd.Flags().StringVarP(&askMode, "mode", "m", "", "Request mode: chat, plan or research (defaults to session.default_mode)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of sessions to list")

	rootCmd.AddCommand(askCmd, historyCmd, showCmd)
}

// clientOptions builds the bridge options for cfg. st may be nil.
func clientOptions(c *config.Config, st dispatch.Store) bridge.Options {
	return bridge.Options{
		Transport: transport.Config{
			Command:     c.Engine.Command,
			Args:        c.Engine.Args,
			Env:         c.EngineEnv(),
			Dir:         c.Engine.Dir,
			GracePeriod: c.GetShutdownGrace(),
		},
		StartupTimeout:    c.GetStartupTimeout(),
		HeartbeatInterval: c.GetHeartbeatInterval(),
		Mode:              protocol.Mode(c.Session.DefaultMode),
		Store:             st,
		Logger:            logging.Get(logging.CategoryBridge),
	}
}

func runInteractiveChat(cmd *cobra.Command) error {
	tr, closeStore, err := beginTranscript(cfg, cfg.Session.DefaultMode)
	if err != nil {
		return err
	}
	defer closeStore()

	var st dispatch.Store
	if tr != nil {
		st = tr
	}
	client := bridge.New(clientOptions(cfg, st))
	defer client.Stop()

	return chat.Run(cmd.Context(), client, logging.Get(logging.CategoryUI))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

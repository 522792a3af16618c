package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/saaga0h/adaptive-core/pkg/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	flagCfg = config.NewConfig() // bound to flags; only values set on the command line are applied
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "adaptive-core",
	Short: "Self-improving reasoning core",
	Long: `adaptive-core runs the adaptive improvement loop: a pattern library,
an associative reasoner and an evolving goal population, coupled by a
plateau monitor and cycled through Awake, Dreaming, Evolving and Compiling.

Commands:
  run         Run cycles until interrupted
  cycle       Run a fixed number of cycles
  reason      Answer one query
  checkpoint  Write or list checkpoints
  restore     Restore a named checkpoint
  snapshot    Print the current metrics snapshot`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = newLogger(cfg.LogLevel)
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("AIC_CONFIG"), "YAML config file")
	flagCfg.RegisterFlags(rootCmd.PersistentFlags())
}

// loadConfig layers defaults, the config file, the environment and the
// flags set on cmd, in that order
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	c := config.NewConfig()
	if err := c.LoadFromFile(strings.TrimSpace(cfgFile)); err != nil {
		return nil, err
	}
	c.LoadFromEnv()
	if err := c.ApplyFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	// Logs go to stderr so command output on stdout stays parseable.
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

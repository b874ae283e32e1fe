/*
PURPOSE:
  Defines the root Cobra command for the evalstream CLI.
  Loads configuration once and sets up logging for every subcommand.

REQUIREMENTS:
  User-specified:
  - Provide a CLI interface.
  - Support global flags like --config.

  Implementation-discovered:
  - Precedence is defaults < config file < EVALSTREAM_* env < flags.
  - Subcommands log through the context (clog), so the root must attach the
    configured logger to cmd.Context().

ARCHITECTURE INTEGRATION:
  - Called by: cmd/evalstream/main.go
  - Calls: Child commands (run, list-models, show, completions, title, publish, mock-server, init)
  - Uses: internal/config, internal/output

ERROR HANDLING:
  - Returns error to main.go for exit code handling.
  - Invalid configuration stops every subcommand before it runs.

IMPLEMENTATION RULES:
  - Use `PersistentFlags()` for flags available to all subcommands.
  - Keep Run logic in subcommands.

USAGE:
  Called by main.go.

SELF-HEALING INSTRUCTIONS:
  - If adding new global flags, add them to init() and applyGlobalFlags().

RELATED FILES:
  - cmd/evalstream/main.go
  - internal/config/config.go

MAINTENANCE:
  - Update when adding global configuration options.
*/

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/daryltucker/evalstream/internal/config"
	"github.com/daryltucker/evalstream/internal/output"
)

var (
	// cfgFile stores the path to the config file (if specified via flag)
	cfgFile string

	baseURLOverride   string
	logLevelOverride  string
	logFormatOverride string

	// cfg is loaded by the root PersistentPreRunE.
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "evalstream",
		Short: "Run and follow LLM evaluations from the terminal",
		Long: `Submits a prompt to a set of models, streams per-model trial results
as they arrive, and optionally grades every answer against a rubric.
Use 'run --help' for run options.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

// Execute executes the root command. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./evalstream.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseURLOverride, "base-url", "", "eval backend base URL")
	rootCmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormatOverride, "log-format", "", "log format: text or json")
}

func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(cmd.Context(), cfgFile)
	if err != nil {
		return err
	}
	applyGlobalFlags(loaded)
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = loaded

	output.Configure(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	cmd.SetContext(output.WithContext(cmd.Context()))
	return nil
}

func applyGlobalFlags(c *config.Config) {
	if baseURLOverride != "" {
		c.BaseURL = baseURLOverride
	}
	if logLevelOverride != "" {
		c.LogLevel = logLevelOverride
	}
	if logFormatOverride != "" {
		c.LogFormat = logFormatOverride
	}
}

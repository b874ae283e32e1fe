package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/daryltucker/evalstream/internal/assets"
	"github.com/daryltucker/evalstream/internal/config"
	"github.com/daryltucker/evalstream/internal/output"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write an annotated evalstream.yaml to get started",
	Args:  cobra.MaximumNArgs(1),
	// Runs before a config exists, so it skips the root config loading.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		path, err := writeExampleConfig(dir, forceInit)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func writeExampleConfig(dir string, force bool) (string, error) {
	target := filepath.Join(dir, config.DefaultFiles[0])

	if !force {
		if _, err := os.Stat(target); err == nil {
			return "", fmt.Errorf("%s already exists (use --force to overwrite)", target)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to check %s: %w", target, err)
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create target directory %s: %w", dir, err)
	}
	if err := os.WriteFile(target, assets.ExampleConfig, 0600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", target, err)
	}
	output.Logger.Info("Installed example config", "path", target)
	return target, nil
}

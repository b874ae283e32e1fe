/*
PURPOSE:
  Defines the 'list-models' subcommand.
  Prints the model catalog so users can pick ids for --models.

REQUIREMENTS:
  User-specified:
  - List available models.

  Implementation-discovered:
  - Some models need the user's own OpenRouter token; mark them.
  - Defaults are the models used when none are configured.

ARCHITECTURE INTEGRATION:
  - Calls: internal/model.Catalog()

ERROR HANDLING:
  - None; the catalog is static.

IMPLEMENTATION RULES:
  - Simple output to stdout.

USAGE:
  evalstream list-models

SELF-HEALING INSTRUCTIONS:
  - None.

RELATED FILES:
  - internal/model/catalog.go

MAINTENANCE:
  - None.
*/

package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daryltucker/evalstream/internal/model"
	"github.com/daryltucker/evalstream/internal/output"
)

var listModelsCmd = &cobra.Command{
	Use:   "list-models",
	Short: "List the models a run can target",
	RunE: func(cmd *cobra.Command, args []string) error {
		printCatalog(cmd.OutOrStdout(), cfg.Models)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listModelsCmd)
}

func printCatalog(w io.Writer, selected []string) {
	for _, e := range model.Catalog() {
		var notes string
		if slices.Contains(selected, e.Model) {
			notes += " [selected]"
		}
		if e.RequiresToken {
			notes += " [needs OpenRouter token]"
		}
		line := fmt.Sprintf("%s %s%s", e.Icon, output.Pad(e.Model, 40), notes)
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}

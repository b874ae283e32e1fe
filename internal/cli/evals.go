package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daryltucker/evalstream/internal/aggregate"
	"github.com/daryltucker/evalstream/internal/engine"
	"github.com/daryltucker/evalstream/internal/model"
	"github.com/daryltucker/evalstream/internal/output"
	"github.com/daryltucker/evalstream/internal/store"
)

var showCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a stored run with its per-model results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showRun(cmd.Context(), engine.New(cfg), args[0], cmd.OutOrStdout())
	},
}

var completionsCmd = &cobra.Command{
	Use:   "completions <run-id> <model>",
	Short: "Print every answer a model gave in a stored run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printCompletions(cmd.Context(), engine.New(cfg), args[0], args[1], cmd.OutOrStdout())
	},
}

var titleCmd = &cobra.Command{
	Use:   "title <run-id> <title>",
	Short: "Rename a stored run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := strings.TrimSpace(args[1])
		if title == "" {
			return errors.New("title cannot be empty")
		}
		ok, err := engine.New(cfg).UpdateEval(cmd.Context(), args[0], engine.EvalPatch{Title: &title})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("backend did not accept the title for %s", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", args[0], title)
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <run-id>",
	Short: "Make a stored run public and print a share link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishRun(cmd.Context(), engine.New(cfg), args[0], cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(showCmd, completionsCmd, titleCmd, publishCmd)
}

// showRun loads a stored run into an aggregator and prints it like a live run.
func showRun(ctx context.Context, client *engine.Client, runID string, w io.Writer) error {
	run, err := client.LoadRun(ctx, runID)
	if err != nil {
		return err
	}

	agg := aggregate.New()
	gen := agg.Reset(model.Entries(run.Models))
	for _, r := range run.Results {
		trials, score := r.Trials, r.Score
		agg.Apply(gen, model.Update{Model: r.Model, Trials: &trials, Score: &score})
	}

	fmt.Fprintf(w, "Run:    %s\n", run.ID)
	if run.Title != "" {
		fmt.Fprintf(w, "Title:  %s\n", run.Title)
	}
	fmt.Fprintf(w, "Public: %t\n", run.IsPublic)
	fmt.Fprintf(w, "Prompt: %s\n", run.Prompt)
	if run.Rubric != "" {
		fmt.Fprintf(w, "Rubric: %s\n", run.Rubric)
	}
	fmt.Fprintln(w)
	output.NewReporter(w, run.Trials, run.Rubric != "").Table(agg.Snapshot())
	return nil
}

func printCompletions(ctx context.Context, client *engine.Client, runID, modelID string, w io.Writer) error {
	fetcher := store.NewFetcher(nil, nil, store.RemoteSource{Client: client})
	comps := fetcher.Fetch(ctx, runID, modelID, 0)
	if len(comps) == 0 {
		fmt.Fprintf(w, "No completions for %s in %s\n", modelID, runID)
		return nil
	}
	for i, c := range comps {
		fmt.Fprintf(w, "--- trial %d  score %s\n%s\n", i+1, output.FormatCompletionScore(c), strings.TrimSpace(c.Answer))
	}
	return nil
}

func publishRun(ctx context.Context, client *engine.Client, runID string, w io.Writer) error {
	run, err := client.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(run.Rubric) == "" {
		return errors.New("runs without a rubric cannot be published")
	}

	public := true
	patch := engine.EvalPatch{IsPublic: &public}
	if run.Title != "" {
		patch.Title = &run.Title
	}
	ok, err := client.UpdateEval(ctx, run.ID, patch)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("backend did not publish %s", run.ID)
	}
	fmt.Fprintf(w, "Published %s\nShare: %s\n", run.ID, output.ShareURL(run.Prompt, output.EvalPageURL(client.Config.BaseURL, run.ID)))
	return nil
}

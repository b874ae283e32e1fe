/*
PURPOSE:
  Defines the 'run' subcommand.
  Submits one evaluation run and follows its result stream to the end.

REQUIREMENTS:
  User-specified:
  - Run the evaluation.
  - Specific flags for overrides.

  Implementation-discovered:
  - On a terminal the live view (internal/tui) owns stdout, so logs go to a
    file in the output directory.
  - Partial results are written even when the run fails.

ARCHITECTURE INTEGRATION:
  - Calls: internal/engine.RunController.Submit()
  - Uses: internal/config, internal/aggregate, internal/store, internal/tui, internal/output, internal/metrics

ERROR HANDLING:
  - Validation errors return before anything is written.
  - Stream errors still write results, then return the run error.

IMPLEMENTATION RULES:
  - Setup flags in init().
  - Logic: Load Config -> Override -> Submit -> Write results.

USAGE:
  evalstream run --prompt "..." --models a,b --trials 3

SELF-HEALING INSTRUCTIONS:
  - Check flag names match Config struct fields generally.

RELATED FILES:
  - internal/cli/root.go
  - internal/engine/runner.go

MAINTENANCE:
  - Update when adding new CLI overrides.
*/

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/daryltucker/evalstream/internal/aggregate"
	"github.com/daryltucker/evalstream/internal/config"
	"github.com/daryltucker/evalstream/internal/engine"
	"github.com/daryltucker/evalstream/internal/metrics"
	"github.com/daryltucker/evalstream/internal/model"
	"github.com/daryltucker/evalstream/internal/output"
	"github.com/daryltucker/evalstream/internal/store"
	"github.com/daryltucker/evalstream/internal/tui"
)

var (
	modelsOverride      []string
	promptOverride      string
	promptFile          string
	rubricOverride      string
	rubricFile          string
	trialsOverride      int
	titleOverride       string
	outputOverride      string
	interactiveOverride string
	publishAfterRun     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an evaluation and stream per-model results",
	Long: `Submits the prompt to every selected model and streams results as trials finish.
The process follows a strict protocol:
1. Validation: prompt, trials (1-10), models and remaining credits are checked locally.
2. Streaming: each model's trial count, running score and answers update live.
3. Results: the final table is saved as CSV and JSONL in the output directory,
   including partial results when the run fails.

With --rubric every answer is graded and a running score is shown per model.`,
	Example: `  # Run with defaults (uses evalstream.yaml)
  evalstream run

  # Pick models and trials
  evalstream run --prompt "Name three primes" --models openai/gpt-4o-mini,anthropic/claude-3.5-haiku -n 5

  # Grade answers against a rubric from a file and publish the run
  evalstream run -p ./prompts/primes.md --rubric-file ./rubrics/primes.md --publish`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyRunFlags(cmd, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return runEval(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringSliceVar(&modelsOverride, "models", nil, "Comma-separated list of model ids (see list-models)")
	runCmd.Flags().StringVar(&promptOverride, "prompt", "", "Prompt sent to every model")
	runCmd.Flags().StringVarP(&promptFile, "prompt-file", "p", "", "Path to a file containing the prompt (overrides config)")
	runCmd.Flags().StringVar(&rubricOverride, "rubric", "", "Grading rubric; enables scoring")
	runCmd.Flags().StringVar(&rubricFile, "rubric-file", "", "Path to a file containing the rubric")
	runCmd.Flags().IntVarP(&trialsOverride, "trials", "n", 0, "Trials per model (1-10)")
	runCmd.Flags().StringVar(&titleOverride, "title", "", "Title for the run")
	runCmd.Flags().StringVarP(&outputOverride, "output-dir", "o", "", "Output directory for results (CSV/JSONL)")
	runCmd.Flags().StringVar(&interactiveOverride, "interactive", "", "Live view: auto, always or never")
	runCmd.Flags().BoolVar(&publishAfterRun, "publish", false, "Publish the run and print a share link when it succeeds")
}

func applyRunFlags(cmd *cobra.Command, c *config.Config) error {
	if len(modelsOverride) > 0 {
		c.Models = modelsOverride
	}
	if promptOverride != "" {
		c.Prompt = promptOverride
	}
	if promptFile != "" {
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return fmt.Errorf("failed to read prompt file: %w", err)
		}
		c.Prompt = string(data)
	}
	if rubricOverride != "" {
		c.Rubric = rubricOverride
	}
	if rubricFile != "" {
		data, err := os.ReadFile(rubricFile)
		if err != nil {
			return fmt.Errorf("failed to read rubric file: %w", err)
		}
		c.Rubric = string(data)
	}
	if cmd.Flags().Changed("trials") {
		c.Trials = trialsOverride
	}
	if titleOverride != "" {
		c.Title = titleOverride
	}
	if outputOverride != "" {
		c.OutputDir = outputOverride
	}
	if interactiveOverride != "" {
		c.Interactive = interactiveOverride
	}
	return nil
}

func useLiveView(mode string) bool {
	switch mode {
	case config.InteractiveAlways:
		return true
	case config.InteractiveNever:
		return false
	default:
		return term.IsTerminal(int(os.Stdout.Fd())) && term.IsTerminal(int(os.Stdin.Fd()))
	}
}

func runEval(ctx context.Context, c *config.Config, stdout io.Writer) error {
	req := c.Request()
	client := engine.New(c)
	agg := aggregate.New()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, c.MetricsAddr); err != nil {
				clog.FromContext(ctx).Error("Metrics server failed", "error", err)
			}
		}()
	}

	var (
		ctrl   *engine.RunController
		runErr error
	)
	if useLiveView(c.Interactive) {
		logFile, err := redirectLogs(c)
		if err != nil {
			return err
		}
		defer logFile.Close()
		ctx = output.WithContext(ctx)

		ctrl, runErr = runLive(ctx, cancel, client, agg, req)
	} else {
		ctrl, runErr = runPlain(ctx, client, agg, req, stdout)
	}

	if errors.Is(runErr, engine.ErrValidation) {
		return runErr
	}

	session := ctrl.Session()
	rows := output.RowsFrom(ctrl.Snapshot(), session.Handle.RunID, req.Trials, runErr, time.Now())
	csvPath, jsonPath, err := output.WriteResults(c.OutputDir, rows)
	if err != nil {
		return err
	}
	clog.FromContext(ctx).Info("Results saved", "csv", csvPath, "json", jsonPath)
	fmt.Fprintf(stdout, "Results saved to %s and %s\n", csvPath, jsonPath)

	if runErr == nil && publishAfterRun {
		publish(ctx, ctrl, c, stdout)
	}
	return runErr
}

func runPlain(ctx context.Context, client *engine.Client, agg *aggregate.Aggregator, req model.RunRequest, stdout io.Writer) (*engine.RunController, error) {
	reporter := output.NewReporter(stdout, req.Trials, req.Rubric != "")
	ctrl := engine.NewRunController(client, agg, engine.Hooks{
		OnRunID: func(id string) { fmt.Fprintf(stdout, "Run %s started\n", id) },
		OnUpdate: func(snap []model.ModelRunState) {
			reporter.Progress(snap)
		},
	})

	err := ctrl.Submit(ctx, req)
	if errors.Is(err, engine.ErrValidation) {
		return ctrl, err
	}
	fmt.Fprintln(stdout)
	reporter.Table(ctrl.Snapshot())
	if err != nil {
		fmt.Fprintf(stdout, "\nRun failed: %v\n", err)
	}
	return ctrl, err
}

// runLive drives the controller and the live view side by side. A failing
// view cancels the run and its error replaces the run's.
func runLive(ctx context.Context, cancel context.CancelFunc, client *engine.Client, agg *aggregate.Aggregator, req model.RunRequest) (*engine.RunController, error) {
	var program *tea.Program
	ctrl := engine.NewRunController(client, agg, tui.Hooks(func(msg tea.Msg) { program.Send(msg) }))
	liveRunID := func() string { return ctrl.Session().Handle.RunID }
	fetcher := store.NewFetcher(agg, liveRunID, store.RemoteSource{Client: client})
	view := tui.New(ctx, req, cancel, ctrl.Rename).WithCompletions(fetcher.Fetch)
	program = tea.NewProgram(view, tea.WithContext(ctx))

	var runErr error
	g := new(errgroup.Group)
	g.Go(func() error {
		runErr = ctrl.Submit(ctx, req)
		program.Send(tui.DoneMsg{Err: runErr})
		return nil
	})
	g.Go(func() error {
		_, err := program.Run()
		if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			cancel()
			return fmt.Errorf("live view: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return ctrl, err
	}
	return ctrl, runErr
}

func redirectLogs(c *config.Config) (*os.File, error) {
	if err := os.MkdirAll(c.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", c.OutputDir, err)
	}
	path := filepath.Join(c.OutputDir, "evalstream.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	output.Configure(f, c.LogLevel, c.LogFormat)
	return f, nil
}

func publish(ctx context.Context, ctrl *engine.RunController, c *config.Config, stdout io.Writer) {
	s := ctrl.Session()
	if strings.TrimSpace(s.Request.Rubric) == "" {
		fmt.Fprintln(stdout, "Not published: runs without a rubric cannot be shared")
		return
	}
	ok, err := ctrl.Publish(ctx)
	if err != nil || !ok {
		fmt.Fprintf(stdout, "Publish failed: %v\n", errOr(err, "backend refused"))
		return
	}
	fmt.Fprintf(stdout, "Published. Share: %s\n", output.ShareURL(s.Request.Prompt, output.EvalPageURL(c.BaseURL, s.Handle.RunID)))
}

func errOr(err error, msg string) string {
	if err != nil {
		return err.Error()
	}
	return msg
}

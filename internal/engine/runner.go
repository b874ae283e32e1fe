/*
PURPOSE:
  High-level controller that orchestrates one run end-to-end.
  Validates the submission, resets the aggregator, consumes the stream and
  settles the run as succeeded or failed.

REQUIREMENTS:
  User-specified:
  - Idle -> Validating -> Running -> Settled(Success|Failed), re-entrant.
  - Reject empty prompts and exhausted quota before any network run call.
  - Fire a one-shot "first result" side effect per run.
  - Partial results stay visible when a run fails.

  Implementation-discovered:
  - A new submission must cancel the old stream and its late events must be
    dropped; runs carry the aggregator generation.
  - Rename/publish are gated on the run id.

ARCHITECTURE INTEGRATION:
  - Called by: internal/cli, internal/tui
  - Uses: internal/aggregate, internal/engine (StreamRunner, Client)

ERROR HANDLING:
  - Validation problems: *ValidationError (errors.Is ErrValidation).
  - Stream problems: *NetworkError / *MalformedEventError, run ends Failed.
  - Superseded runs return ErrSuperseded.
  - No retries.

IMPLEMENTATION RULES:
  - One writer per generation: only the goroutine inside Submit applies events.
  - Hooks run on the Submit goroutine and must not block for long.

USAGE:
  ctrl := engine.NewRunController(client, agg, engine.Hooks{...})
  err := ctrl.Submit(ctx, req)

SELF-HEALING INSTRUCTIONS:
  - If a stale run overwrites results, check Aggregator.Apply's generation check.

RELATED FILES:
  - internal/engine/stream.go
  - internal/aggregate/aggregator.go

MAINTENANCE:
  - Update validate() when submission rules change.
*/

package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"

	"github.com/daryltucker/evalstream/internal/aggregate"
	"github.com/daryltucker/evalstream/internal/metrics"
	"github.com/daryltucker/evalstream/internal/model"
)

var (
	// ErrQuotaExhausted is one of the problems a ValidationError may carry.
	ErrQuotaExhausted = errors.New("you are out of credits; contact support or wait for more")
	// ErrSuperseded is returned by a Submit whose run was replaced by a newer one.
	ErrSuperseded = errors.New("run superseded by a newer submission")
)

// State is the controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Settled reports whether the run has finished, either way.
func (s State) Settled() bool {
	return s == StateSucceeded || s == StateFailed
}

// RunSession is the controller-owned state of the current run.
type RunSession struct {
	State      State
	Request    model.RunRequest
	Handle     model.RunHandle
	Title      string
	Generation uint64
	Err        error
	StartedAt  time.Time
	SettledAt  time.Time
}

// Hooks are optional callbacks, invoked on the goroutine running Submit.
type Hooks struct {
	OnStateChange func(RunSession)
	OnRunID       func(runID string)
	// OnFirstResult fires at most once per run, on the first event of any kind.
	OnFirstResult func()
	OnUpdate      func(snap []model.ModelRunState)
}

// EventSource produces the event sequence for one run.
type EventSource interface {
	Start(ctx context.Context, req model.RunRequest) iter.Seq2[model.ResultEvent, error]
}

// QuotaSource looks up the user's remaining runs.
type QuotaSource interface {
	Quota(ctx context.Context) (Quota, error)
}

// EvalUpdater applies title/publish patches.
type EvalUpdater interface {
	UpdateEval(ctx context.Context, runID string, patch EvalPatch) (bool, error)
}

// RunController drives runs against one aggregator.
type RunController struct {
	agg    *aggregate.Aggregator
	events EventSource
	quota  QuotaSource
	evals  EvalUpdater
	hooks  Hooks

	mu      sync.Mutex
	session RunSession
	cancel  context.CancelFunc
}

// NewRunController wires a controller to the backend client.
func NewRunController(c *Client, agg *aggregate.Aggregator, hooks Hooks) *RunController {
	return NewController(agg, NewStreamRunner(c), c, c, hooks)
}

// NewController builds a controller from its collaborators.
func NewController(agg *aggregate.Aggregator, events EventSource, quota QuotaSource, evals EvalUpdater, hooks Hooks) *RunController {
	return &RunController{agg: agg, events: events, quota: quota, evals: evals, hooks: hooks}
}

// Session returns a copy of the current session.
func (rc *RunController) Session() RunSession {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	s := rc.session
	s.Request = s.Request.Clone()
	return s
}

// Snapshot returns the aggregator's current rows.
func (rc *RunController) Snapshot() []model.ModelRunState {
	return rc.agg.Snapshot()
}

// Submit validates req, then runs it to completion. It blocks until the
// stream settles, the run is superseded, or ctx is cancelled.
func (rc *RunController) Submit(ctx context.Context, req model.RunRequest) error {
	req = req.Clone()
	log := clog.FromContext(ctx)

	running := rc.enterValidating()
	if err := rc.validate(ctx, req); err != nil {
		rc.rejectValidation(running, err)
		metrics.RunSettled("rejected", 0)
		log.Warn("Run rejected", "error", err)
		return err
	}

	gen, runCtx := rc.begin(ctx, req)
	log = log.With("generation", gen)
	log.Info("Run started", "models", len(req.Models), "trials", req.Trials)

	fired := false
	var runErr error
	for ev, err := range rc.events.Start(runCtx, req) {
		if err != nil {
			runErr = err
			break
		}
		if rc.agg.Generation() != gen {
			runErr = ErrSuperseded
			break
		}
		switch ev.Kind {
		case model.EventControl:
			rc.setRunID(gen, ev.RunID)
			metrics.Event(ev.Kind.String(), "applied")
			log.Info("Run id assigned", "run_id", ev.RunID)
		default:
			outcome := rc.agg.Apply(gen, ev.Update)
			metrics.Event(ev.Kind.String(), outcome.String())
			switch outcome {
			case aggregate.Applied:
				if rc.hooks.OnUpdate != nil {
					rc.hooks.OnUpdate(rc.agg.Snapshot())
				}
			case aggregate.Unknown:
				log.Debug("Ignoring update for unselected model", "model", ev.Update.Model)
			}
		}
		if !fired {
			fired = true
			if rc.hooks.OnFirstResult != nil {
				rc.hooks.OnFirstResult()
			}
		}
	}

	return rc.settle(ctx, gen, runErr)
}

func (rc *RunController) enterValidating() (running bool) {
	rc.mu.Lock()
	running = rc.session.State == StateRunning
	if !running {
		rc.session.State = StateValidating
	}
	s := rc.session
	rc.mu.Unlock()

	if !running {
		rc.notifyState(s)
	}
	return running
}

// rejectValidation returns to Idle. A run still streaming is left alone.
func (rc *RunController) rejectValidation(running bool, err error) {
	if running {
		return
	}
	rc.mu.Lock()
	rc.session.State = StateIdle
	rc.session.Err = err
	s := rc.session
	rc.mu.Unlock()
	rc.notifyState(s)
}

func (rc *RunController) validate(ctx context.Context, req model.RunRequest) error {
	var problems *multierror.Error
	if strings.TrimSpace(req.Prompt) == "" {
		problems = multierror.Append(problems, errors.New("prompt is required"))
	}
	if req.Trials < model.MinTrials || req.Trials > model.MaxTrials {
		problems = multierror.Append(problems, fmt.Errorf("trials must be between %d and %d, got %d", model.MinTrials, model.MaxTrials, req.Trials))
	}
	if len(req.Models) == 0 {
		problems = multierror.Append(problems, errors.New("select at least one model"))
	}
	if dups := lo.FindDuplicates(req.Models); len(dups) > 0 {
		problems = multierror.Append(problems, fmt.Errorf("duplicate models: %s", strings.Join(dups, ", ")))
	}
	if problems != nil {
		return &ValidationError{Problems: problems}
	}

	// Fail closed: without a quota answer the run is not allowed.
	quota, err := rc.quota.Quota(ctx)
	if err != nil {
		problems = multierror.Append(problems, fmt.Errorf("quota lookup failed: %w", err))
		return &ValidationError{Problems: problems}
	}
	if !quota.Allows() {
		problems = multierror.Append(problems, ErrQuotaExhausted)
	}
	if !quota.Unlimited() {
		for _, id := range req.Models {
			if e, ok := model.Lookup(id); ok && e.RequiresToken {
				problems = multierror.Append(problems, fmt.Errorf("model %s requires your OpenRouter token; set it up in your account settings", id))
			}
		}
	}
	if problems != nil {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// begin supersedes any previous run and resets the aggregator.
func (rc *RunController) begin(ctx context.Context, req model.RunRequest) (uint64, context.Context) {
	rc.mu.Lock()
	if rc.cancel != nil {
		rc.cancel()
	}
	gen := rc.agg.Reset(model.Entries(req.Models))
	runCtx, cancel := context.WithCancel(ctx)
	rc.cancel = cancel
	rc.session = RunSession{
		State:      StateRunning,
		Request:    req,
		Title:      req.Title,
		Generation: gen,
		StartedAt:  time.Now(),
	}
	s := rc.session
	rc.mu.Unlock()

	rc.notifyState(s)
	if rc.hooks.OnUpdate != nil {
		rc.hooks.OnUpdate(rc.agg.Snapshot())
	}
	return gen, runCtx
}

func (rc *RunController) setRunID(gen uint64, runID string) {
	rc.mu.Lock()
	if rc.session.Generation != gen {
		rc.mu.Unlock()
		return
	}
	rc.session.Handle.RunID = runID
	rc.mu.Unlock()

	if rc.hooks.OnRunID != nil {
		rc.hooks.OnRunID(runID)
	}
}

func (rc *RunController) settle(ctx context.Context, gen uint64, runErr error) error {
	log := clog.FromContext(ctx)

	rc.mu.Lock()
	if rc.session.Generation != gen {
		rc.mu.Unlock()
		metrics.RunSettled("superseded", 0)
		log.Info("Run superseded", "generation", gen)
		return ErrSuperseded
	}
	if rc.cancel != nil {
		rc.cancel()
		rc.cancel = nil
	}
	rc.session.SettledAt = time.Now()
	rc.session.Err = runErr
	if runErr == nil {
		rc.session.State = StateSucceeded
	} else {
		rc.session.State = StateFailed
	}
	s := rc.session
	rc.mu.Unlock()

	elapsed := s.SettledAt.Sub(s.StartedAt)
	if runErr != nil {
		metrics.RunSettled("failed", elapsed)
		log.Error("Run failed", "run_id", s.Handle.RunID, "error", runErr)
	} else {
		metrics.RunSettled("success", elapsed)
		log.Info("Run complete", "run_id", s.Handle.RunID, "duration", elapsed)
	}
	rc.notifyState(s)
	return runErr
}

// Cancel abandons the current run, if any. Submit then returns a Failed
// settle with the context error.
func (rc *RunController) Cancel() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.cancel != nil {
		rc.cancel()
	}
}

// Rename sets the run's title. Without a run id or a title it does nothing.
func (rc *RunController) Rename(ctx context.Context, title string) (bool, error) {
	runID := rc.Session().Handle.RunID
	if runID == "" || title == "" {
		return false, nil
	}
	ok, err := rc.evals.UpdateEval(ctx, runID, EvalPatch{Title: &title})
	if err != nil {
		clog.FromContext(ctx).Warn("Title update failed", "run_id", runID, "error", err)
		return false, err
	}
	if ok {
		rc.mu.Lock()
		if rc.session.Handle.RunID == runID {
			rc.session.Title = title
		}
		rc.mu.Unlock()
	}
	return ok, nil
}

// Publish makes the run public. It needs a run id, a prompt and a rubric.
func (rc *RunController) Publish(ctx context.Context) (bool, error) {
	s := rc.Session()
	if !s.Handle.Valid() || s.Request.Prompt == "" || s.Request.Rubric == "" {
		return false, nil
	}
	public := true
	patch := EvalPatch{IsPublic: &public}
	if s.Title != "" {
		patch.Title = &s.Title
	}
	ok, err := rc.evals.UpdateEval(ctx, s.Handle.RunID, patch)
	if err != nil {
		clog.FromContext(ctx).Warn("Publish failed", "run_id", s.Handle.RunID, "error", err)
		return false, err
	}
	return ok, nil
}

func (rc *RunController) notifyState(s RunSession) {
	if rc.hooks.OnStateChange != nil {
		rc.hooks.OnStateChange(s)
	}
}

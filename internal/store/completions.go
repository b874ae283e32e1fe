// Package store looks up the per-trial completions behind a model's score.
//
// Completions come from one of two places: the live aggregator, when it holds
// data the backend may not have persisted yet, or the backend's results
// store. HasFreshLocalData picks between them.
package store

import (
	"context"
	"errors"

	"github.com/chainguard-dev/clog"

	"github.com/daryltucker/evalstream/internal/aggregate"
	"github.com/daryltucker/evalstream/internal/engine"
	"github.com/daryltucker/evalstream/internal/metrics"
	"github.com/daryltucker/evalstream/internal/model"
)

// ErrNotFound is returned by LocalSource when the model has no live state.
var ErrNotFound = errors.New("completions not found")

// CompletionSource returns the completions of one model in one run.
type CompletionSource interface {
	Completions(ctx context.Context, runID, modelID string) ([]model.Completion, error)
}

// LocalSource serves completions from the live aggregator. RunID reports the
// run the aggregator currently holds; other runs are not found.
type LocalSource struct {
	Agg   *aggregate.Aggregator
	RunID func() string
}

func (l LocalSource) Completions(_ context.Context, runID, modelID string) ([]model.Completion, error) {
	if l.Agg == nil || l.RunID == nil || l.RunID() != runID {
		return nil, ErrNotFound
	}
	st, ok := l.Agg.Lookup(modelID)
	if !ok {
		return nil, ErrNotFound
	}
	return st.Completions, nil
}

// RemoteSource serves completions from the backend's results store.
type RemoteSource struct {
	Client *engine.Client
}

func (r RemoteSource) Completions(ctx context.Context, runID, modelID string) ([]model.Completion, error) {
	return r.Client.Completions(ctx, runID, modelID)
}

// HasFreshLocalData reports whether the live state should be preferred over
// the results store: it holds completions and the model has not finished.
func HasFreshLocalData(st model.ModelRunState, trialsPerModel int) bool {
	return len(st.Completions) > 0 && st.Trials < trialsPerModel
}

// Fetcher picks a source per lookup.
type Fetcher struct {
	Agg *aggregate.Aggregator
	// LiveRunID returns the id of the run held by Agg, or "" before the
	// control event.
	LiveRunID func() string
	Local     CompletionSource
	Remote    CompletionSource
}

// NewFetcher builds a fetcher over the live aggregator and a remote source.
// agg and liveRunID may be nil when there is no live run.
func NewFetcher(agg *aggregate.Aggregator, liveRunID func() string, remote CompletionSource) *Fetcher {
	return &Fetcher{
		Agg:       agg,
		LiveRunID: liveRunID,
		Local:     LocalSource{Agg: agg, RunID: liveRunID},
		Remote:    remote,
	}
}

// live returns the aggregator state of modelID when runID is the live run.
func (f *Fetcher) live(runID, modelID string) (model.ModelRunState, bool) {
	if f.Agg == nil || f.LiveRunID == nil || f.LiveRunID() != runID {
		return model.ModelRunState{}, false
	}
	return f.Agg.Lookup(modelID)
}

// Fetch returns the completions of modelID in runID. It never fails: missing
// identifiers, a model with no trials, or a lookup error all yield an empty
// set, and the error is logged.
func (f *Fetcher) Fetch(ctx context.Context, runID, modelID string, trialsPerModel int) []model.Completion {
	log := clog.FromContext(ctx).With("run_id", runID, "model", modelID)

	if runID == "" || modelID == "" {
		metrics.CompletionLookup("none", "skipped")
		return []model.Completion{}
	}

	// Any other run, or a model the live run does not have, goes to the store.
	st, live := f.live(runID, modelID)
	if live && st.Trials <= 0 {
		metrics.CompletionLookup("none", "skipped")
		return []model.Completion{}
	}

	source, name := f.Remote, "remote"
	if HasFreshLocalData(st, trialsPerModel) {
		source, name = f.Local, "local"
	}
	if source == nil {
		metrics.CompletionLookup(name, "unavailable")
		return []model.Completion{}
	}

	comps, err := source.Completions(ctx, runID, modelID)
	if err != nil {
		metrics.CompletionLookup(name, "error")
		log.Warn("Completion lookup failed", "source", name, "error", err)
		return []model.Completion{}
	}
	metrics.CompletionLookup(name, "ok")
	log.Debug("Completions loaded", "source", name, "count", len(comps))

	out := make([]model.Completion, len(comps))
	copy(out, comps)
	return out
}

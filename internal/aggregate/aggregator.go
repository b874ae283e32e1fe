/*
PURPOSE:
  Holds the authoritative in-memory table of per-model run state for the
  current run. Merges incoming model updates and hands out read-only
  snapshots for rendering.

REQUIREMENTS:
  User-specified:
  - Reset to zero state for exactly the selected models, in selection order.
  - Last-write-wins per model; completions replace, never append.
  - Ignore updates for models outside the selection.

  Implementation-discovered:
  - A superseded stream can still deliver late events. Every Reset bumps a
    generation and Apply rejects events tagged with an older one.
  - The TUI reads snapshots from its own goroutine, so reads are locked.

ARCHITECTURE INTEGRATION:
  - Written by: internal/engine (RunController)
  - Read by: internal/store (LocalSource), internal/tui, internal/output

ERROR HANDLING:
  - None. Unknown and stale updates are reported through Outcome, not errors.

IMPLEMENTATION RULES:
  - Never hand out internal slices; Snapshot and Lookup deep-copy.
  - No field is computed as a delta.

USAGE:
  gen := agg.Reset(model.Entries(req.Models))
  agg.Apply(gen, update)
  rows := agg.Snapshot()

SELF-HEALING INSTRUCTIONS:
  - If snapshots look stale mid-run, check the generation passed to Apply.

RELATED FILES:
  - internal/model/types.go
  - internal/engine/runner.go

MAINTENANCE:
  - Update Merge in internal/model when update fields change.
*/

package aggregate

import (
	"sync"

	"github.com/daryltucker/evalstream/internal/model"
)

// Outcome reports what Apply did with an update.
type Outcome int

const (
	Applied Outcome = iota
	// Unknown means the model is not part of the current selection.
	Unknown
	// Stale means the update belongs to a superseded run.
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Unknown:
		return "unknown_model"
	case Stale:
		return "stale"
	default:
		return "applied"
	}
}

// Aggregator is safe for one writer and any number of concurrent readers.
type Aggregator struct {
	mu         sync.RWMutex
	generation uint64
	order      []string
	states     map[string]*model.ModelRunState
}

// New returns an empty aggregator at generation zero.
func New() *Aggregator {
	return &Aggregator{states: make(map[string]*model.ModelRunState)}
}

// Reset discards all state and starts a new generation for the given models.
// Duplicate model ids keep their first position.
func (a *Aggregator) Reset(models []model.Entry) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.generation++
	a.order = make([]string, 0, len(models))
	a.states = make(map[string]*model.ModelRunState, len(models))
	for _, m := range models {
		if _, dup := a.states[m.Model]; dup {
			continue
		}
		a.order = append(a.order, m.Model)
		a.states[m.Model] = &model.ModelRunState{Model: m.Model, Icon: m.Icon}
	}
	return a.generation
}

// Apply merges u into its model's entry when gen is current.
func (a *Aggregator) Apply(gen uint64, u model.Update) Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	if gen != a.generation {
		return Stale
	}
	st, ok := a.states[u.Model]
	if !ok {
		return Unknown
	}
	st.Merge(u)
	return Applied
}

// Snapshot returns a copy of every entry in selection order.
func (a *Aggregator) Snapshot() []model.ModelRunState {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]model.ModelRunState, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.states[id].Clone())
	}
	return out
}

// Lookup returns a copy of one model's entry.
func (a *Aggregator) Lookup(id string) (model.ModelRunState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st, ok := a.states[id]
	if !ok {
		return model.ModelRunState{}, false
	}
	return st.Clone(), true
}

// Generation returns the current generation.
func (a *Aggregator) Generation() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.generation
}

// Len returns the number of selected models.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.order)
}

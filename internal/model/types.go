/*
PURPOSE:
  Defines the core data structures used throughout evalstream.
  These models represent a run request, the stream's wire events and the
  per-model run state shown to the user.

REQUIREMENTS:
  User-specified:
  - Track trial count, running score and answer history per model.
  - Distinguish the run-id control event from model updates.

  Implementation-discovered:
  - Need JSON tags matching the eval backend's wire names.
  - Updates must express "field absent" so merges only touch present fields.

ARCHITECTURE INTEGRATION:
  - Used by: internal/aggregate, internal/engine, internal/store, internal/output, internal/tui
  - Shared across boundaries.

ERROR HANDLING:
  - None (pure data structs and derived helpers).

IMPLEMENTATION RULES:
  - Keep structs simple and public.
  - Pointer fields on Update mean "present on the wire".

USAGE:
  req := model.RunRequest{Models: []string{"openai/gpt-4o"}, Prompt: "...", Trials: 3}

SELF-HEALING INSTRUCTIONS:
  - If the backend adds fields to update lines, add them to Update and Merge.

RELATED FILES:
  - internal/model/catalog.go
  - internal/aggregate/aggregator.go

MAINTENANCE:
  - Update when the run stream wire format changes.
*/

package model

import "encoding/json"

const (
	MinTrials = 1
	MaxTrials = 10
)

// RunRequest is what the user submits. It is not modified after submission.
type RunRequest struct {
	Models []string `json:"models"`
	Prompt string   `json:"prompt"`
	Rubric string   `json:"evalPrompt"`
	Title  string   `json:"title"`
	Trials int      `json:"trials"`
}

// Clone returns a copy that does not share the model slice.
func (r RunRequest) Clone() RunRequest {
	r.Models = append([]string(nil), r.Models...)
	return r
}

// RunHandle identifies a run on the backend. RunID stays empty until the
// stream's control event arrives.
type RunHandle struct {
	RunID string `json:"run_id,omitempty"`
}

// Valid reports whether id-gated actions (rename, publish, completions) may run.
func (h RunHandle) Valid() bool {
	return h.RunID != ""
}

// Completion is one trial's answer. Score is nil when no rubric was given or
// the judge did not produce a number.
type Completion struct {
	Answer string   `json:"answer"`
	Score  *float64 `json:"score"`
}

// Entry is one selected model with its display icon.
type Entry struct {
	Model string `json:"model"`
	Icon  string `json:"icon,omitempty"`
}

// ModelRunState is the client-side view of one model within a run.
type ModelRunState struct {
	Model       string       `json:"model"`
	Icon        string       `json:"icon,omitempty"`
	Trials      int          `json:"trials"`
	Score       float64      `json:"score"`
	Completions []Completion `json:"completions,omitempty"`
}

// Clone deep-copies the state so callers can hold it past the next update.
func (s ModelRunState) Clone() ModelRunState {
	if s.Completions != nil {
		s.Completions = append([]Completion(nil), s.Completions...)
	}
	return s
}

// Progress classifies the state against the requested trials per model.
func (s ModelRunState) Progress(trialsPerModel int) ProgressStatus {
	switch {
	case s.Trials <= 0:
		return ProgressPending
	case s.Trials < trialsPerModel:
		return ProgressRunning
	default:
		return ProgressComplete
	}
}

// Update is the model-update wire record. Absent JSON fields stay nil.
type Update struct {
	Model       string        `json:"model"`
	Trials      *int          `json:"trials,omitempty"`
	Score       *float64      `json:"score,omitempty"`
	Completions *[]Completion `json:"completions,omitempty"`
}

// Merge overwrites every field present in u. Completions are replaced, not
// appended: each update carries the model's full accumulated state.
func (s *ModelRunState) Merge(u Update) {
	if u.Trials != nil {
		s.Trials = *u.Trials
	}
	if u.Score != nil {
		s.Score = *u.Score
	}
	if u.Completions != nil {
		s.Completions = append([]Completion(nil), (*u.Completions)...)
	}
}

// EventKind tells a control record apart from a model update.
type EventKind int

const (
	EventUpdate EventKind = iota
	EventControl
)

func (k EventKind) String() string {
	if k == EventControl {
		return "control"
	}
	return "update"
}

// ResultEvent is one decoded NDJSON line from the run stream.
type ResultEvent struct {
	Kind   EventKind
	RunID  string
	Update Update
}

// wireEvent accepts both the control and update shapes. eval_id is the name
// older backends use for run_id.
type wireEvent struct {
	RunID  string `json:"run_id"`
	EvalID string `json:"eval_id"`
	Update
}

// DecodeEvent parses one NDJSON line. The caller decides whether a record is
// the control event; DecodeEvent only reports what fields were present.
func DecodeEvent(line []byte) (ResultEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return ResultEvent{}, err
	}
	id := w.RunID
	if id == "" {
		id = w.EvalID
	}
	return ResultEvent{Kind: EventUpdate, RunID: id, Update: w.Update}, nil
}

// IsControlShape reports whether the event carries a run id and no model fields.
func (e ResultEvent) IsControlShape() bool {
	u := e.Update
	return e.RunID != "" && u.Model == "" && u.Trials == nil && u.Score == nil && u.Completions == nil
}

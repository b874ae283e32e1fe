package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEventControl(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"run_id":"r1"}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", ev.RunID)
	assert.True(t, ev.IsControlShape())

	legacy, err := DecodeEvent([]byte(`{"eval_id":"e9"}`))
	require.NoError(t, err)
	assert.Equal(t, "e9", legacy.RunID)
	assert.True(t, legacy.IsControlShape())
}

func TestDecodeEventUpdate(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"model":"a","trials":2,"score":0.5,"completions":[{"answer":"x","score":null},{"answer":"y","score":1}]}`))
	require.NoError(t, err)
	assert.False(t, ev.IsControlShape())
	assert.Equal(t, "a", ev.Update.Model)
	require.NotNil(t, ev.Update.Trials)
	assert.Equal(t, 2, *ev.Update.Trials)
	require.NotNil(t, ev.Update.Completions)
	comps := *ev.Update.Completions
	require.Len(t, comps, 2)
	assert.Nil(t, comps[0].Score)
	require.NotNil(t, comps[1].Score)
	assert.Equal(t, 1.0, *comps[1].Score)
}

func TestDecodeEventRunIDWithModelIsNotControl(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"run_id":"r1","model":"a","trials":1}`))
	require.NoError(t, err)
	assert.False(t, ev.IsControlShape())
}

func TestDecodeEventInvalid(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"model":`))
	assert.Error(t, err)
}

func TestMergeOnlyPresentFields(t *testing.T) {
	s := ModelRunState{Model: "a", Trials: 1, Score: 0.25, Completions: []Completion{{Answer: "old"}}}

	score := 0.75
	s.Merge(Update{Model: "a", Score: &score})
	assert.Equal(t, 1, s.Trials)
	assert.Equal(t, 0.75, s.Score)
	assert.Len(t, s.Completions, 1)

	trials := 2
	comps := []Completion{{Answer: "new1"}, {Answer: "new2"}}
	s.Merge(Update{Model: "a", Trials: &trials, Completions: &comps})
	assert.Equal(t, 2, s.Trials)
	assert.Equal(t, []Completion{{Answer: "new1"}, {Answer: "new2"}}, s.Completions)

	comps[0].Answer = "mutated"
	assert.Equal(t, "new1", s.Completions[0].Answer, "merge must not alias the update's slice")
}

func TestProgress(t *testing.T) {
	tests := []struct {
		trials int
		want   ProgressStatus
	}{
		{0, ProgressPending},
		{1, ProgressRunning},
		{2, ProgressRunning},
		{3, ProgressComplete},
		{4, ProgressComplete},
	}
	for _, tt := range tests {
		s := ModelRunState{Trials: tt.trials}
		assert.Equal(t, tt.want, s.Progress(3), "trials=%d", tt.trials)
	}
}

func TestBandFor(t *testing.T) {
	assert.Equal(t, ScoreHigh, BandFor(0.7))
	assert.Equal(t, ScoreMedium, BandFor(0.4))
	assert.Equal(t, ScoreMedium, BandFor(0.69))
	assert.Equal(t, ScoreLow, BandFor(0.39))
}

func TestCatalog(t *testing.T) {
	e, ok := Lookup("openai/gpt-4o")
	require.True(t, ok)
	assert.True(t, e.RequiresToken)
	assert.Equal(t, "", IconFor("unknown/model"))

	entries := Entries([]string{"unknown/model", "openai/gpt-4o-mini"})
	require.Len(t, entries, 2)
	assert.Equal(t, "unknown/model", entries[0].Model)
	assert.NotEmpty(t, entries[1].Icon)

	assert.Equal(t, "gpt-4o", ShortName("openai/gpt-4o"))
	assert.Equal(t, "plain", ShortName("plain"))
}

package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daryltucker/evalstream/internal/engine"
	"github.com/daryltucker/evalstream/internal/model"
)

var req = model.RunRequest{Models: []string{"m1", "m2"}, Prompt: "p", Rubric: "r", Trials: 2}

func step(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestFirstResultFocusesTitle(t *testing.T) {
	m := New(context.Background(), req, func() {}, nil)
	assert.False(t, m.title.Focused())

	m, _ = step(t, m, FirstResultMsg{})
	assert.True(t, m.title.Focused())
	assert.Contains(t, m.View(), "enter save title")
}

func TestDoneQuitsWhenIdle(t *testing.T) {
	m := New(context.Background(), req, func() {}, nil)
	m, cmd := step(t, m, DoneMsg{Err: errors.New("boom")})
	assert.True(t, isQuit(cmd))
	assert.EqualError(t, m.Err(), "boom")
	assert.Contains(t, m.View(), "run failed: boom")
}

func TestTitleSavedAfterRunEnds(t *testing.T) {
	var saved string
	rename := func(_ context.Context, title string) (bool, error) {
		saved = title
		return true, nil
	}
	m := New(context.Background(), req, func() {}, rename)
	m, _ = step(t, m, FirstResultMsg{})

	m, cmd := step(t, m, DoneMsg{})
	assert.False(t, isQuit(cmd), "typing a title keeps the view open")

	for _, r := range "Mine" {
		m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	m, cmd = step(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, "Mine", saved)

	m, cmd = step(t, m, msg)
	assert.True(t, isQuit(cmd))
	assert.Contains(t, m.View(), "title saved")
}

func TestQuitCancelsRun(t *testing.T) {
	cancelled := 0
	m := New(context.Background(), req, func() { cancelled++ }, nil)

	_, cmd := step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	assert.True(t, isQuit(cmd))
	assert.Equal(t, 1, cancelled)

	_, cmd = step(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.True(t, isQuit(cmd))
	assert.Equal(t, 2, cancelled)
}

func TestTypingQDoesNotQuitWhileEditing(t *testing.T) {
	cancelled := false
	m := New(context.Background(), req, func() { cancelled = true }, nil)
	m, _ = step(t, m, FirstResultMsg{})

	m, cmd := step(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	assert.False(t, isQuit(cmd))
	assert.False(t, cancelled)
	assert.Equal(t, "q", m.title.Value())
}

func TestViewRendersRows(t *testing.T) {
	m := New(context.Background(), req, func() {}, nil)
	m, _ = step(t, m, SessionMsg{Session: engine.RunSession{State: engine.StateRunning, Handle: model.RunHandle{RunID: "R"}}})
	m, _ = step(t, m, SnapshotMsg{Rows: []model.ModelRunState{
		{Model: "m1", Trials: 2, Score: 0.75},
		{Model: "m2"},
	}})

	v := m.View()
	assert.Contains(t, v, "run R")
	assert.Contains(t, v, "m1")
	assert.Contains(t, v, "2/2")
	assert.Contains(t, v, "75%")
	assert.Contains(t, v, "0/2")
	assert.Contains(t, v, "--")
}

func TestRunIDShownBeforeSettle(t *testing.T) {
	var sent []tea.Msg
	hooks := Hooks(func(msg tea.Msg) { sent = append(sent, msg) })
	hooks.OnRunID("R7")
	require.Equal(t, []tea.Msg{RunIDMsg{ID: "R7"}}, sent)

	m := New(context.Background(), req, func() {}, nil)
	m, _ = step(t, m, SessionMsg{Session: engine.RunSession{State: engine.StateRunning}})
	m, _ = step(t, m, sent[0])
	assert.Contains(t, m.View(), "running  run R7")
}

func TestCompletionsForSelectedRow(t *testing.T) {
	type call struct {
		runID, model string
		trials       int
	}
	var calls []call
	fetch := func(_ context.Context, runID, modelID string, trials int) []model.Completion {
		calls = append(calls, call{runID, modelID, trials})
		one := 1.0
		return []model.Completion{{Answer: "seven", Score: &one}}
	}
	cancelled := false
	m := New(context.Background(), req, func() { cancelled = true }, nil).WithCompletions(fetch)
	m, _ = step(t, m, RunIDMsg{ID: "R"})
	m, _ = step(t, m, SnapshotMsg{Rows: []model.ModelRunState{{Model: "m1", Trials: 1}, {Model: "m2", Trials: 1}}})

	m, _ = step(t, m, tea.KeyMsg{Type: tea.KeyDown})
	m, cmd := step(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(), "loading")

	m, _ = step(t, m, cmd())
	require.Equal(t, []call{{"R", "m2", 2}}, calls)
	v := m.View()
	assert.Contains(t, v, "Answers from m2")
	assert.Contains(t, v, "seven")
	assert.Contains(t, v, "100%")

	m, cmd = step(t, m, DoneMsg{})
	assert.False(t, isQuit(cmd), "open answers keep the view")

	m, cmd = step(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.True(t, isQuit(cmd))
	assert.False(t, cancelled)
	assert.NotContains(t, m.View(), "Answers from")
}

func TestCompletionsDisabledWithoutFetcher(t *testing.T) {
	m := New(context.Background(), req, func() {}, nil)
	m, _ = step(t, m, SnapshotMsg{Rows: []model.ModelRunState{{Model: "m1", Trials: 1}}})

	m, cmd := step(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	assert.NotContains(t, m.View(), "Answers from")
}

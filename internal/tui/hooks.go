package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/daryltucker/evalstream/internal/engine"
	"github.com/daryltucker/evalstream/internal/model"
)

// Hooks forwards controller callbacks through send, normally
// (*tea.Program).Send. Send returns once the program has exited, so a user
// quitting early never blocks the run goroutine.
func Hooks(send func(tea.Msg)) engine.Hooks {
	return engine.Hooks{
		OnStateChange: func(s engine.RunSession) { send(SessionMsg{Session: s}) },
		OnRunID:       func(id string) { send(RunIDMsg{ID: id}) },
		OnFirstResult: func() { send(FirstResultMsg{}) },
		OnUpdate:      func(rows []model.ModelRunState) { send(SnapshotMsg{Rows: rows}) },
	}
}

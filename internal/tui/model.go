// Package tui renders a live run: one row per model with a spinner while the
// model is still running, a title field that takes focus on the first
// result, and the answers behind a selected model's score.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/daryltucker/evalstream/internal/engine"
	"github.com/daryltucker/evalstream/internal/model"
	"github.com/daryltucker/evalstream/internal/output"
)

// Messages sent into the program by the run controller hooks.
type (
	SnapshotMsg    struct{ Rows []model.ModelRunState }
	SessionMsg     struct{ Session engine.RunSession }
	RunIDMsg       struct{ ID string }
	FirstResultMsg struct{}
	// DoneMsg is sent once Submit has returned.
	DoneMsg struct{ Err error }

	renamedMsg struct {
		title string
		ok    bool
		err   error
	}
	completionsMsg struct {
		model string
		comps []model.Completion
	}
)

// RenameFunc persists a title for the current run.
type RenameFunc func(ctx context.Context, title string) (bool, error)

// CompletionsFunc loads the answers of one model, normally
// (*store.Fetcher).Fetch.
type CompletionsFunc func(ctx context.Context, runID, modelID string, trialsPerModel int) []model.Completion

type completionsView struct {
	model   string
	comps   []model.Completion
	loading bool
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	bandStyles = map[model.ScoreBand]lipgloss.Style{
		model.ScoreHigh:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		model.ScoreMedium: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		model.ScoreLow:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Model is the bubbletea model for one run.
type Model struct {
	ctx         context.Context
	cancel      context.CancelFunc
	rename      RenameFunc
	completions CompletionsFunc

	request model.RunRequest
	rows    []model.ModelRunState
	session engine.RunSession

	spinner spinner.Model
	title   textinput.Model
	notice  string
	cursor  int
	detail  *completionsView

	done bool
	err  error
}

// New builds the view for req. cancel aborts the run when the user quits.
func New(ctx context.Context, req model.RunRequest, cancel context.CancelFunc, rename RenameFunc) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))

	ti := textinput.New()
	ti.Prompt = "Title: "
	ti.Placeholder = "name this eval, Enter to save"
	ti.CharLimit = 120
	ti.SetValue(req.Title)

	return Model{
		ctx:     ctx,
		cancel:  cancel,
		rename:  rename,
		request: req.Clone(),
		spinner: sp,
		title:   ti,
	}
}

// WithCompletions enables selecting a row to see its answers.
func (m Model) WithCompletions(fn CompletionsFunc) Model {
	m.completions = fn
	return m
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case SnapshotMsg:
		m.rows = msg.Rows
		if m.cursor >= len(m.rows) {
			m.cursor = max(len(m.rows)-1, 0)
		}
		return m, nil

	case RunIDMsg:
		m.session.Handle.RunID = msg.ID
		return m, nil

	case completionsMsg:
		if m.detail != nil && m.detail.model == msg.model {
			m.detail.comps = msg.comps
			m.detail.loading = false
		}
		return m, nil

	case SessionMsg:
		m.session = msg.Session
		return m, nil

	case FirstResultMsg:
		if m.title.Focused() {
			return m, nil
		}
		return m, m.title.Focus()

	case renamedMsg:
		switch {
		case msg.err != nil:
			m.notice = errStyle.Render("title not saved: " + msg.err.Error())
		case msg.ok:
			m.notice = doneStyle.Render("title saved")
			m.session.Title = msg.title
		default:
			m.notice = dimStyle.Render("title not saved")
		}
		if m.done {
			return m, tea.Quit
		}
		return m, nil

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		if m.title.Focused() || m.detail != nil {
			return m, nil
		}
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.cancel()
		return m, tea.Quit
	case tea.KeyEsc:
		if m.detail != nil && !m.title.Focused() {
			m.detail = nil
			if m.done {
				return m, tea.Quit
			}
			return m, nil
		}
		if m.title.Focused() {
			m.title.Blur()
			if m.done {
				return m, tea.Quit
			}
			return m, nil
		}
		m.cancel()
		return m, tea.Quit
	case tea.KeyEnter:
		if m.title.Focused() {
			m.title.Blur()
			return m, m.saveTitle(strings.TrimSpace(m.title.Value()))
		}
		return m.openCompletions()
	}

	if m.title.Focused() {
		var cmd tea.Cmd
		m.title, cmd = m.title.Update(msg)
		return m, cmd
	}
	switch msg.String() {
	case "q":
		m.cancel()
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		}
	}
	return m, nil
}

func (m Model) openCompletions() (tea.Model, tea.Cmd) {
	if m.completions == nil || m.cursor >= len(m.rows) {
		return m, nil
	}
	modelID := m.rows[m.cursor].Model
	m.detail = &completionsView{model: modelID, loading: true}

	ctx, fetch := m.ctx, m.completions
	runID, trials := m.session.Handle.RunID, m.request.Trials
	return m, func() tea.Msg {
		return completionsMsg{model: modelID, comps: fetch(ctx, runID, modelID, trials)}
	}
}

func (m Model) saveTitle(title string) tea.Cmd {
	if m.rename == nil || title == "" {
		if m.done {
			return tea.Quit
		}
		return nil
	}
	ctx, rename := m.ctx, m.rename
	return func() tea.Msg {
		ok, err := rename(ctx, title)
		return renamedMsg{title: title, ok: ok, err: err}
	}
}

// Err returns the run error reported by DoneMsg.
func (m Model) Err() error { return m.err }

func (m Model) View() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s  %s\n", headerStyle.Render("evalstream"), dimStyle.Render(m.statusLine()))
	fmt.Fprintf(&b, "%s\n\n", dimStyle.Render(truncate(m.request.Prompt, 72)))

	hasRubric := m.request.Rubric != ""
	for i, row := range m.rows {
		if m.completions != nil && i == m.cursor {
			b.WriteString("› ")
		} else {
			b.WriteString("  ")
		}
		b.WriteString(m.renderRow(row, hasRubric))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	if m.detail != nil {
		b.WriteString(m.detailView())
		b.WriteByte('\n')
	}

	if m.title.Focused() || m.title.Value() != "" {
		b.WriteString(m.title.View())
		b.WriteByte('\n')
	}
	if m.notice != "" {
		b.WriteString(m.notice)
		b.WriteByte('\n')
	}
	if m.err != nil {
		b.WriteString(errStyle.Render("run failed: " + m.err.Error()))
		b.WriteByte('\n')
	}
	b.WriteString(dimStyle.Render(m.helpLine()))
	b.WriteByte('\n')
	return b.String()
}

func (m Model) statusLine() string {
	s := m.session.State.String()
	if id := m.session.Handle.RunID; id != "" {
		s += "  run " + id
	}
	return s
}

func (m Model) helpLine() string {
	switch {
	case m.title.Focused():
		return "enter save title  esc skip"
	case m.detail != nil:
		return "esc close  q quit"
	case m.completions != nil:
		return "↑/↓ select  enter answers  q quit  ctrl+c abort"
	}
	return "q quit  ctrl+c abort"
}

func (m Model) detailView() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Answers from "+m.detail.model) + "\n")
	switch {
	case m.detail.loading:
		b.WriteString(dimStyle.Render("loading…") + "\n")
	case len(m.detail.comps) == 0:
		b.WriteString(dimStyle.Render("no completions yet") + "\n")
	}
	for i, c := range m.detail.comps {
		fmt.Fprintf(&b, "%s %s\n  %s\n",
			dimStyle.Render(fmt.Sprintf("trial %d", i+1)),
			output.FormatCompletionScore(c),
			truncate(c.Answer, 72))
	}
	return b.String()
}

func (m Model) renderRow(row model.ModelRunState, hasRubric bool) string {
	var marker string
	switch row.Progress(m.request.Trials) {
	case model.ProgressComplete:
		marker = doneStyle.Render("✓")
	default:
		if m.session.State.Settled() {
			marker = dimStyle.Render("·")
		} else {
			marker = m.spinner.View()
		}
	}

	name := row.Model
	if row.Icon != "" {
		name = row.Icon + " " + name
	}
	line := fmt.Sprintf("%s %s %d/%d", marker, output.Pad(name, 36), row.Trials, m.request.Trials)
	if hasRubric {
		score := output.FormatScore(row)
		if row.Trials > 0 {
			score = bandStyles[model.BandFor(row.Score)].Render(score)
		}
		line += "  " + score
	}
	return line
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

package output

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"

	"github.com/daryltucker/evalstream/internal/model"
)

const modelColumnWidth = 36

// Reporter prints run progress as plain text for non-TTY output.
// A line is printed only when a model's trial count changes.
type Reporter struct {
	w         io.Writer
	trials    int
	hasRubric bool

	mu   sync.Mutex
	seen map[string]int
}

// NewReporter returns a Reporter for a run with the given trials per model.
func NewReporter(w io.Writer, trialsPerModel int, hasRubric bool) *Reporter {
	return &Reporter{w: w, trials: trialsPerModel, hasRubric: hasRubric, seen: make(map[string]int)}
}

// Progress prints a line for every model whose trial count moved.
func (r *Reporter) Progress(snap []model.ModelRunState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, st := range snap {
		if prev, ok := r.seen[st.Model]; ok && prev == st.Trials {
			continue
		}
		r.seen[st.Model] = st.Trials
		if st.Trials == 0 {
			continue
		}
		fmt.Fprintln(r.w, r.line(st))
	}
}

// Table prints every model, used for the final summary and `show`.
func (r *Reporter) Table(snap []model.ModelRunState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	header := Pad("MODEL", modelColumnWidth) + "  TRIALS  STATUS    "
	if r.hasRubric {
		header += "SCORE"
	}
	fmt.Fprintln(r.w, strings.TrimRight(header, " "))
	for _, st := range snap {
		fmt.Fprintln(r.w, r.line(st))
	}
}

// Reset forgets printed progress so a new run starts clean.
func (r *Reporter) Reset(trialsPerModel int, hasRubric bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trials = trialsPerModel
	r.hasRubric = hasRubric
	r.seen = make(map[string]int)
}

func (r *Reporter) line(st model.ModelRunState) string {
	var b strings.Builder
	b.WriteString(Pad(st.Model, modelColumnWidth))
	b.WriteString("  ")
	b.WriteString(Pad(fmt.Sprintf("%d/%d", st.Trials, r.trials), 6))
	b.WriteString("  ")
	b.WriteString(Pad(st.Progress(r.trials).String(), 8))
	if r.hasRubric {
		b.WriteString("  ")
		b.WriteString(FormatScore(st))
	}
	return strings.TrimRight(b.String(), " ")
}

// FormatScore renders a running score as a percentage, "--" before any trial.
func FormatScore(st model.ModelRunState) string {
	if st.Trials == 0 {
		return "--"
	}
	return fmt.Sprintf("%.0f%%", st.Score*100)
}

// FormatCompletionScore renders a single trial score.
func FormatCompletionScore(c model.Completion) string {
	if c.Score == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.0f%%", *c.Score*100)
}

// Pad truncates or right-fills s to a display width.
func Pad(s string, width int) string {
	return runewidth.FillRight(runewidth.Truncate(s, width, "…"), width)
}

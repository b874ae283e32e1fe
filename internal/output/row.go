package output

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/daryltucker/evalstream/internal/model"
)

// Row is one model's final result as written to disk.
type Row struct {
	RunID          string             `json:"run_id"`
	Model          string             `json:"model"`
	Trials         int                `json:"trials"`
	TrialsPerModel int                `json:"trials_per_model"`
	Status         string             `json:"status"`
	Score          float64            `json:"score"`
	Completions    []model.Completion `json:"completions,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
	Error          string             `json:"error,omitempty"`
}

// RowsFrom converts a snapshot into rows. runErr is recorded on every row
// so partial results of a failed run stay recognisable.
func RowsFrom(snap []model.ModelRunState, runID string, trialsPerModel int, runErr error, at time.Time) []Row {
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}
	rows := make([]Row, 0, len(snap))
	for _, st := range snap {
		rows = append(rows, Row{
			RunID:          runID,
			Model:          st.Model,
			Trials:         st.Trials,
			TrialsPerModel: trialsPerModel,
			Status:         st.Progress(trialsPerModel).String(),
			Score:          st.Score,
			Completions:    st.Completions,
			Timestamp:      at,
			Error:          errText,
		})
	}
	return rows
}

// WriteResults writes rows to results.csv and results.jsonl under dir.
func WriteResults(dir string, rows []Row) (csvPath, jsonPath string, err error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}

	csvPath = filepath.Join(dir, "results.csv")
	csvWriter, err := NewCSVWriter(csvPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to init CSV writer at %s: %w", csvPath, err)
	}
	defer csvWriter.Close()

	jsonPath = filepath.Join(dir, "results.jsonl")
	jsonWriter, err := NewJSONWriter(jsonPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to init JSON writer at %s: %w", jsonPath, err)
	}
	defer jsonWriter.Close()

	for _, r := range rows {
		if err := csvWriter.Write(r); err != nil {
			return "", "", fmt.Errorf("failed to write result to CSV: %w", err)
		}
		if err := jsonWriter.Write(r); err != nil {
			return "", "", fmt.Errorf("failed to write result to JSON: %w", err)
		}
	}
	if err := csvWriter.Commit(); err != nil {
		return "", "", fmt.Errorf("failed to save %s: %w", csvPath, err)
	}
	if err := jsonWriter.Commit(); err != nil {
		return "", "", fmt.Errorf("failed to save %s: %w", jsonPath, err)
	}
	return csvPath, jsonPath, nil
}

// ShareURL builds the tweet intent link for a published eval.
func ShareURL(prompt, pageURL string) string {
	q := url.Values{}
	q.Set("text", fmt.Sprintf("Check out my new LLM evaluation: \"%s\" on LMEvals!", prompt))
	q.Set("url", pageURL)
	return "https://twitter.com/intent/tweet?" + q.Encode()
}

// EvalPageURL is the web page that reloads a stored run.
func EvalPageURL(baseURL, runID string) string {
	return strings.TrimRight(baseURL, "/") + "/configure?" + url.Values{"eval_id": {runID}}.Encode()
}

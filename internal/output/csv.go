/*
PURPOSE:
  Writes the final per-model snapshot of a run to a CSV file.

REQUIREMENTS:
  User-specified:
  - Output to CSV.

  Implementation-discovered:
  - One row per model. Completions are counted here; full text lives in JSONL.
  - Each run replaces the file, never merges into it.

ARCHITECTURE INTEGRATION:
  - Called by: output.WriteResults
  - Consumes: output.Row

ERROR HANDLING:
  - csv.Writer errors surface from Commit; nothing is renamed on failure.

USAGE:
  w, err := output.NewCSVWriter("results.csv")
  defer w.Close()
  w.Write(row)
  err = w.Commit()

MAINTENANCE:
  - Keep csvHeader and record() in the same column order when Row changes.
*/

package output

import (
	"encoding/csv"
	"strconv"
	"sync"
	"time"
)

var csvHeader = []string{
	"run_id", "model", "trials", "trials_per_model", "status",
	"score", "completions", "timestamp", "error",
}

// CSVWriter collects rows into a pending CSV file.
type CSVWriter struct {
	mu   sync.Mutex
	file *pendingFile
	w    *csv.Writer
}

// NewCSVWriter prepares a writer whose output replaces path on Commit.
func NewCSVWriter(path string) (*CSVWriter, error) {
	f, err := createPending(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.discard()
		return nil, err
	}
	return &CSVWriter{file: f, w: w}, nil
}

func (cw *CSVWriter) Write(r Row) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.w.Write(record(r))
}

func record(r Row) []string {
	return []string{
		r.RunID,
		r.Model,
		strconv.Itoa(r.Trials),
		strconv.Itoa(r.TrialsPerModel),
		r.Status,
		strconv.FormatFloat(r.Score, 'f', 4, 64),
		strconv.Itoa(len(r.Completions)),
		r.Timestamp.Format(time.RFC3339),
		r.Error,
	}
}

// Commit flushes and moves the file into place.
func (cw *CSVWriter) Commit() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.w.Flush()
	if err := cw.w.Error(); err != nil {
		cw.file.discard()
		return err
	}
	return cw.file.commit()
}

// Close discards uncommitted output.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.file.discard()
	return nil
}

/*
PURPOSE:
  Writes run results as JSON Lines, one model per line, with the full
  completion text that the CSV only counts.

REQUIREMENTS:
  User-specified:
  - JSON output for easier parsing.

  Implementation-discovered:
  - Same line-per-record shape as the run stream.
  - A half-written file must never replace the previous run's results.

ARCHITECTURE INTEGRATION:
  - Called by: output.WriteResults
  - Consumes: output.Row

ERROR HANDLING:
  - Create/Write/Commit return the underlying I/O error.
  - Close without Commit discards everything written.

IMPLEMENTATION RULES:
  - Buffer writes; the file only becomes visible on Commit.

USAGE:
  w, err := output.NewJSONWriter("results.jsonl")
  defer w.Close()
  w.Write(row)
  err = w.Commit()

RELATED FILES:
  - internal/output/pending.go
  - internal/output/row.go
*/

package output

import (
	"bufio"
	"encoding/json"
	"sync"
)

// JSONWriter streams rows into a pending JSON Lines file.
type JSONWriter struct {
	mu   sync.Mutex
	file *pendingFile
	buf  *bufio.Writer
	enc  *json.Encoder
}

// NewJSONWriter prepares a writer whose output replaces path on Commit.
func NewJSONWriter(path string) (*JSONWriter, error) {
	f, err := createPending(path)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	return &JSONWriter{file: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

func (jw *JSONWriter) Write(r Row) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	return jw.enc.Encode(r)
}

// Commit flushes and moves the file into place.
func (jw *JSONWriter) Commit() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	if err := jw.buf.Flush(); err != nil {
		jw.file.discard()
		return err
	}
	return jw.file.commit()
}

// Close discards uncommitted output.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.file.discard()
	return nil
}

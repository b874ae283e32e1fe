package fakeapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// flushWriter is the NDJSON response writer. Every chunk is pushed through
// the optional compressor and flushed to the client immediately.
type flushWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	enc     io.Writer
	flush   func() error
	close   func() error
}

func (s *Server) streamWriter(w http.ResponseWriter, flusher http.Flusher, acceptEncoding string) (*flushWriter, error) {
	fw := &flushWriter{w: w, flusher: flusher, enc: w}

	switch enc := s.Encoding; {
	case enc == "":
	case !accepts(acceptEncoding, enc):
	case enc == "gzip":
		zw := gzip.NewWriter(w)
		fw.enc, fw.flush, fw.close = zw, zw.Flush, zw.Close
		w.Header().Set("Content-Encoding", "gzip")
	case enc == "zstd":
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		fw.enc, fw.flush, fw.close = zw, zw.Flush, zw.Close
		w.Header().Set("Content-Encoding", "zstd")
	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return fw, nil
}

func accepts(header, enc string) bool {
	for _, part := range strings.Split(header, ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(name, enc) {
			return true
		}
	}
	return false
}

// WriteChunk writes raw bytes and flushes.
func (f *flushWriter) WriteChunk(b []byte) error {
	if _, err := f.enc.Write(b); err != nil {
		return err
	}
	if f.flush != nil {
		if err := f.flush(); err != nil {
			return err
		}
	}
	f.flusher.Flush()
	return nil
}

// WriteLine encodes v as one NDJSON line and flushes.
func (f *flushWriter) WriteLine(v any) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.WriteChunk(append(blob, '\n'))
}

func (f *flushWriter) Close() error {
	if f.close == nil {
		return nil
	}
	err := f.close()
	f.flusher.Flush()
	return err
}

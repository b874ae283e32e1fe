package engine

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/daryltucker/evalstream/internal/model"
)

// MaxLineBytes bounds a single NDJSON line held in the carry-over buffer.
const MaxLineBytes = 16 * 1024 * 1024

var errLineTooLong = errors.New("line exceeds maximum size")

// Decoder reassembles NDJSON lines across arbitrary chunk boundaries.
// It also applies the control-event rule: only the first parsed record may be
// the control event, and only if it has a run id and no model fields.
type Decoder struct {
	buf     []byte
	line    int
	parsed  int
	maxLine int
}

// NewDecoder returns a Decoder with the default line limit.
func NewDecoder() *Decoder {
	return &Decoder{maxLine: MaxLineBytes}
}

// Feed appends chunk to the carry-over buffer and decodes every complete
// line. On a malformed line it returns the events decoded before it along
// with the error; the decoder must not be fed again after an error.
func (d *Decoder) Feed(chunk []byte) ([]model.ResultEvent, error) {
	d.buf = append(d.buf, chunk...)

	var events []model.ResultEvent
	start := 0
	for {
		i := bytes.IndexByte(d.buf[start:], '\n')
		if i < 0 {
			break
		}
		if i > d.maxLine {
			d.line++
			err := newMalformed(d.line, d.buf[start:start+i], errLineTooLong)
			d.buf = nil
			return events, err
		}
		ev, ok, err := d.decodeLine(d.buf[start : start+i])
		start += i + 1
		if err != nil {
			d.buf = nil
			return events, err
		}
		if ok {
			events = append(events, ev)
		}
	}

	// Keep only the incomplete tail.
	rest := len(d.buf) - start
	copy(d.buf, d.buf[start:])
	d.buf = d.buf[:rest]

	if len(d.buf) > d.maxLine {
		d.line++
		err := newMalformed(d.line, d.buf, errLineTooLong)
		d.buf = nil
		return events, err
	}
	return events, nil
}

// Finish decodes a final line that arrived without a trailing newline.
func (d *Decoder) Finish() ([]model.ResultEvent, error) {
	if len(d.buf) == 0 {
		return nil, nil
	}
	tail := d.buf
	d.buf = nil
	ev, ok, err := d.decodeLine(tail)
	if err != nil || !ok {
		return nil, err
	}
	return []model.ResultEvent{ev}, nil
}

// Pending reports how many bytes of an incomplete line are buffered.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

func (d *Decoder) decodeLine(raw []byte) (model.ResultEvent, bool, error) {
	d.line++
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return model.ResultEvent{}, false, nil
	}
	ev, err := model.DecodeEvent(line)
	if err != nil {
		return model.ResultEvent{}, false, newMalformed(d.line, line, fmt.Errorf("decode: %w", err))
	}
	if d.parsed == 0 && ev.IsControlShape() {
		ev.Kind = model.EventControl
	}
	d.parsed++
	return ev, true, nil
}

package engine

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrValidation marks a submission rejected before any network call.
	ErrValidation = errors.New("validation failed")
	// ErrNetwork marks a failure opening or reading the run stream.
	ErrNetwork = errors.New("network error")
	// ErrMalformedEvent marks a stream line that is not a valid event.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrIdleTimeout marks a stream that stopped sending bytes.
	ErrIdleTimeout = errors.New("stream idle timeout")
	// ErrNoRunID is returned by id-gated calls made before the control event.
	ErrNoRunID = errors.New("run id not assigned")
)

// ValidationError lists every problem found with a submission.
type ValidationError struct {
	Problems *multierror.Error
}

func (e *ValidationError) Error() string {
	if e.Problems == nil || len(e.Problems.Errors) == 0 {
		return ErrValidation.Error()
	}
	if len(e.Problems.Errors) == 1 {
		return e.Problems.Errors[0].Error()
	}
	return fmt.Sprintf("%s: %s", ErrValidation, e.Problems.Error())
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Unwrap() error { return e.Problems.ErrorOrNil() }

// NetworkError wraps transport failures and non-2xx responses.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

func (e *NetworkError) Unwrap() error { return e.Err }

// MalformedEventError carries the offending line (truncated) and its position.
type MalformedEventError struct {
	Line int
	Raw  string
	Err  error
}

const maxRawInError = 200

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event on line %d: %v (line: %s)", e.Line, e.Err, e.Raw)
}

func (e *MalformedEventError) Is(target error) bool { return target == ErrMalformedEvent }

func (e *MalformedEventError) Unwrap() error { return e.Err }

func newMalformed(line int, raw []byte, err error) *MalformedEventError {
	if len(raw) > maxRawInError {
		cut := maxRawInError
		for cut > 0 && !utf8.RuneStart(raw[cut]) {
			cut--
		}
		return &MalformedEventError{Line: line, Raw: string(raw[:cut]) + "...", Err: err}
	}
	return &MalformedEventError{Line: line, Raw: string(raw), Err: err}
}

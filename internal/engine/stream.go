package engine

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync/atomic"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/daryltucker/evalstream/internal/metrics"
	"github.com/daryltucker/evalstream/internal/model"
)

// DefaultChunkSize is the read size used on the run stream.
const DefaultChunkSize = 32 * 1024

// StreamRunner turns one run submission into a lazy sequence of events.
type StreamRunner struct {
	client *Client
	// IdleTimeout ends the stream with ErrIdleTimeout when no bytes arrive
	// for this long. Zero disables it.
	IdleTimeout time.Duration
	ChunkSize   int
}

// NewStreamRunner returns a runner using the client's configured idle timeout.
func NewStreamRunner(c *Client) *StreamRunner {
	return &StreamRunner{
		client:      c,
		IdleTimeout: c.Config.StreamIdleTimeout,
		ChunkSize:   DefaultChunkSize,
	}
}

// Start submits req and yields events in wire order. The first record is
// yielded with Kind EventControl when it carries only a run id. The sequence
// ends after EOF, or after yielding exactly one error. Breaking out of the
// range loop closes the connection.
func (r *StreamRunner) Start(ctx context.Context, req model.RunRequest) iter.Seq2[model.ResultEvent, error] {
	return func(yield func(model.ResultEvent, error) bool) {
		parent := ctx
		ctx, cancel := context.WithCancel(parent)
		defer cancel()

		var idled atomic.Bool
		var timer *time.Timer
		if r.IdleTimeout > 0 {
			timer = time.AfterFunc(r.IdleTimeout, func() {
				idled.Store(true)
				cancel()
			})
			defer timer.Stop()
		}

		fail := func(err error) {
			yield(model.ResultEvent{}, r.classify(parent, &idled, err))
		}

		body, err := r.client.OpenRun(ctx, req)
		if err != nil {
			fail(err)
			return
		}
		defer body.Close()

		log := clog.FromContext(ctx)
		dec := NewDecoder()
		size := r.ChunkSize
		if size <= 0 {
			size = DefaultChunkSize
		}
		buf := make([]byte, size)
		for {
			// The idle timer only runs while waiting on the network, never
			// while the consumer handles an event.
			if timer != nil {
				timer.Reset(r.IdleTimeout)
			}
			n, readErr := body.Read(buf)
			if timer != nil {
				timer.Stop()
			}
			if n > 0 {
				metrics.StreamBytes(n)
				evs, err := dec.Feed(buf[:n])
				for _, ev := range evs {
					if !yield(ev, nil) {
						log.Debug("Stream consumer stopped early")
						return
					}
				}
				if err != nil {
					metrics.Event("invalid", "malformed")
					yield(model.ResultEvent{}, err)
					return
				}
			}
			if errors.Is(readErr, io.EOF) {
				evs, err := dec.Finish()
				for _, ev := range evs {
					if !yield(ev, nil) {
						return
					}
				}
				if err != nil {
					metrics.Event("invalid", "malformed")
					yield(model.ResultEvent{}, err)
				}
				return
			}
			if readErr != nil {
				fail(&NetworkError{Op: "read run stream", Err: readErr})
				return
			}
		}
	}
}

// classify prefers the idle timeout and caller cancellation over the raw
// transport error they caused.
func (r *StreamRunner) classify(parent context.Context, idled *atomic.Bool, err error) error {
	if idled.Load() {
		return &NetworkError{Op: "read run stream", Err: ErrIdleTimeout}
	}
	if perr := parent.Err(); perr != nil {
		return perr
	}
	return err
}

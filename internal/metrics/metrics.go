// Package metrics exposes Prometheus counters for runs and stream events.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evalstream_runs_total",
			Help: "Runs by terminal outcome (success, failed, rejected, superseded)",
		},
		[]string{"outcome"},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evalstream_stream_events_total",
			Help: "Decoded stream events by kind and what the aggregator did with them",
		},
		[]string{"kind", "result"},
	)

	streamBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "evalstream_stream_bytes_total",
			Help: "Bytes read from run streams after decompression",
		},
	)

	completionLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evalstream_completion_lookups_total",
			Help: "Completion lookups by source and result",
		},
		[]string{"source", "result"},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "evalstream_run_duration_seconds",
			Help:    "Wall time from submit to settle",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)
)

// RunSettled records a finished run.
func RunSettled(outcome string, d time.Duration) {
	runsTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		runDuration.Observe(d.Seconds())
	}
}

// Event records one decoded stream event.
func Event(kind, result string) {
	eventsTotal.WithLabelValues(kind, result).Inc()
}

// StreamBytes adds n bytes read from a run stream.
func StreamBytes(n int) {
	streamBytes.Add(float64(n))
}

// CompletionLookup records a completion fetch.
func CompletionLookup(source, result string) {
	completionLookups.WithLabelValues(source, result).Inc()
}

// CompletionLookups returns the lookup counter for one source and result.
func CompletionLookups(source, result string) prometheus.Counter {
	return completionLookups.WithLabelValues(source, result)
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	clog.FromContext(ctx).Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

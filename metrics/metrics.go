// Package metrics exposes Prometheus instrumentation for sync cycles, the
// source and destination clients and the sample archive.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "eds_sync"

var (
	// Cycle metrics
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Sync cycles by outcome",
		},
		[]string{"result"}, // "completed", "config_error", "cancelled"
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sync cycles in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	GroupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "groups_total",
			Help:      "Source groups processed by final state",
		},
		[]string{"group", "state"},
	)

	PointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_total",
			Help:      "Point streams processed by final state",
		},
		[]string{"group", "state"},
	)

	SamplesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_sent_total",
			Help:      "Samples acknowledged by the destination",
		},
		[]string{"group"},
	)

	LastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_last_success_timestamp_seconds",
			Help:      "Time through which a stream has been transmitted",
		},
		[]string{"stream"},
	)

	// Client metrics
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by component and kind",
		},
		[]string{"component", "kind"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Archive metrics
	ArchiveWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_writes_total",
			Help:      "Sample archive writes by backend and result",
		},
		[]string{"backend", "result"},
	)
)

// RecordCycle records the outcome and duration of one cycle
func RecordCycle(result string, duration time.Duration) {
	CyclesTotal.WithLabelValues(result).Inc()
	CycleDuration.Observe(duration.Seconds())
}

// RecordSuccess records the checkpoint of stream
func RecordSuccess(stream string, through time.Time) {
	LastSuccess.WithLabelValues(stream).Set(float64(through.Unix()))
}

// RecordError counts an error of kind reported by component
func RecordError(component, kind string) {
	Errors.WithLabelValues(component, kind).Inc()
}

// RecordArchive counts one archive write
func RecordArchive(backend string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ArchiveWrites.WithLabelValues(backend, result).Inc()
}

// Serve serves /metrics on addr until ctx is done
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Package metrics exposes run progress as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/johndauphine/crm-migrate/internal/logging"
)

const namespace = "crm_migrate"

// Phase status values reported by the phase_status gauge.
var phaseStatusValue = map[string]float64{
	"pending":     0,
	"in_progress": 1,
	"completed":   2,
	"failed":      3,
}

// Metrics holds the collectors of one process. Recording on a nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	batches         *prometheus.CounterVec
	records         *prometheus.CounterVec
	retries         *prometheus.CounterVec
	phaseStatus     *prometheus.GaugeVec
	currentBatch    *prometheus.GaugeVec
	checkpointSaves prometheus.Counter
	lockContention  prometheus.Counter
	batchDuration   prometheus.Histogram
}

// New registers all collectors in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "batches finished, by phase and outcome",
		}, []string{"kind", "phase", "outcome"}),
		records: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "records handled, by phase and result (processed, skipped, failed)",
		}, []string{"kind", "phase", "result"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_retries_total",
			Help:      "batch attempts retried after a backend error",
		}, []string{"kind", "phase"}),
		phaseStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_status",
			Help:      "0 pending, 1 in progress, 2 completed, 3 failed",
		}, []string{"kind", "phase"}),
		currentBatch: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_current_batch",
			Help:      "last checkpointed batch of the phase",
		}, []string{"kind", "phase"}),
		checkpointSaves: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_saves_total",
			Help:      "durable checkpoint writes",
		}),
		lockContention: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "runs refused because another run holds the lock",
		}),
		batchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "time to apply one batch including retries",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// BatchDone records a committed batch.
func (m *Metrics) BatchDone(kind, phase string, batch int, processed, skipped, failed int64, took time.Duration) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(kind, phase, "ok").Inc()
	m.records.WithLabelValues(kind, phase, "processed").Add(float64(processed))
	m.records.WithLabelValues(kind, phase, "skipped").Add(float64(skipped))
	m.records.WithLabelValues(kind, phase, "failed").Add(float64(failed))
	m.currentBatch.WithLabelValues(kind, phase).Set(float64(batch))
	m.batchDuration.Observe(took.Seconds())
}

// BatchFailed records a batch that exhausted its retries.
func (m *Metrics) BatchFailed(kind, phase string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(kind, phase, "failed").Inc()
}

// Retry records one retried batch attempt.
func (m *Metrics) Retry(kind, phase string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(kind, phase).Inc()
}

// PhaseStatus sets the status gauge of a phase.
func (m *Metrics) PhaseStatus(kind, phase, status string) {
	if m == nil {
		return
	}
	if v, ok := phaseStatusValue[status]; ok {
		m.phaseStatus.WithLabelValues(kind, phase).Set(v)
	}
}

// CheckpointSaved counts a durable checkpoint write.
func (m *Metrics) CheckpointSaved() {
	if m != nil {
		m.checkpointSaves.Inc()
	}
}

// LockContended counts a run refused by the run lock.
func (m *Metrics) LockContended() {
	if m != nil {
		m.lockContention.Inc()
	}
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logging.Debug("Serving metrics on %s/metrics", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package.
//
// It adapts metrics.Backend to client_golang collectors and pushes the
// registry to a Pushgateway on Flush instead of exposing a scrape endpoint.
// A batch run is short-lived, so push is the only way its numbers survive.
// The job label is the Pushgateway grouping key, so collectors carry only
// the remaining labels.
package prompush

import (
	"fmt"

	"ruleetl/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091
	jobName    string // Pushgateway "job" group
	reg        *prometheus.Registry

	stepCounter  *prometheus.CounterVec // step, status
	stepDuration *prometheus.SummaryVec // step, status

	itemCounter  *prometheus.CounterVec // kind
	chunkCounter prometheus.Counter

	attemptCounter *prometheus.CounterVec   // statement, outcome
	workers        *prometheus.HistogramVec // statement
	subBatch       *prometheus.SummaryVec   // status
}

// NewBackend constructs a Prometheus Pushgateway backend.
// jobName: the Pushgateway "job" name (usually the job name from config).
// gatewayURL: base URL of the Pushgateway server.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "ruleetl"
	}

	b := &Backend{
		gatewayURL: gatewayURL,
		jobName:    jobName,
		reg:        prometheus.NewRegistry(),
		stepCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metrics.StepTotal,
				Help: "Job step executions by step and status.",
			},
			[]string{"step", "status"},
		),
		stepDuration: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name:       metrics.StepDuration,
				Help:       "Duration of job steps in seconds by step and status.",
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			},
			[]string{"step", "status"},
		),
		itemCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metrics.ItemsTotal,
				Help: "Item-level counts per kind (read, failed, results, written).",
			},
			[]string{"kind"},
		),
		chunkCounter: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metrics.ChunksTotal,
				Help: "Chunks dispatched across all partitions.",
			},
		),
		attemptCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metrics.QueryAttempts,
				Help: "Parallel query attempts by statement and outcome.",
			},
			[]string{"statement", "outcome"},
		),
		workers: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metrics.ParallelWorkers,
				Help:    "Peak parallel workers observed per attempt.",
				Buckets: prometheus.LinearBuckets(0, 1, 9),
			},
			[]string{"statement"},
		),
		subBatch: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name:       metrics.SubBatchDuration,
				Help:       "Duration of dispatcher sub-batches in seconds.",
				Objectives: map[float64]float64{0.5: 0.05, 0.99: 0.001},
			},
			[]string{"status"},
		),
	}

	for name, c := range map[string]prometheus.Collector{
		"step counter":    b.stepCounter,
		"step summary":    b.stepDuration,
		"item counter":    b.itemCounter,
		"chunk counter":   b.chunkCounter,
		"attempt counter": b.attemptCounter,
		"worker hist":     b.workers,
		"sub-batch":       b.subBatch,
	} {
		if err := b.reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
	}
	return b, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.StepTotal:
		if b.stepCounter == nil {
			return
		}
		b.stepCounter.WithLabelValues(labels["step"], labels["status"]).Add(delta)

	case metrics.ItemsTotal:
		if b.itemCounter == nil {
			return
		}
		b.itemCounter.WithLabelValues(labels["kind"]).Add(delta)

	case metrics.ChunksTotal:
		if b.chunkCounter == nil {
			return
		}
		b.chunkCounter.Add(delta)

	case metrics.QueryAttempts:
		if b.attemptCounter == nil {
			return
		}
		b.attemptCounter.WithLabelValues(labels["statement"], labels["outcome"]).Add(delta)

	default:
		// unknown metric name: ignore
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	switch name {
	case metrics.StepDuration:
		if b.stepDuration == nil {
			return
		}
		b.stepDuration.WithLabelValues(labels["step"], labels["status"]).Observe(value)

	case metrics.ParallelWorkers:
		if b.workers == nil {
			return
		}
		b.workers.WithLabelValues(labels["statement"]).Observe(value)

	case metrics.SubBatchDuration:
		if b.subBatch == nil {
			return
		}
		b.subBatch.WithLabelValues(labels["status"]).Observe(value)
	}
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}

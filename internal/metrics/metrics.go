// Package metrics provides a small, backend-agnostic abstraction for recording
// operational metrics from a rule-check run.
//
// The package exposes a narrow interface (Backend) for counters and timing
// data (histograms) and a global, pluggable backend that defaults to a no-op
// implementation, so metrics are always safe to call even when no real
// backend is configured. Concrete systems live in subpackages (prompush,
// datadog).
package metrics

import (
	"strconv"
	"time"
)

// Metric names emitted by the helpers below.
const (
	StepTotal        = "ruleetl_step_total"
	StepDuration     = "ruleetl_step_duration_seconds"
	ItemsTotal       = "ruleetl_items_total"
	ChunksTotal      = "ruleetl_chunks_total"
	QueryAttempts    = "ruleetl_query_attempts_total"
	ParallelWorkers  = "ruleetl_parallel_workers"
	SubBatchDuration = "ruleetl_sub_batch_duration_seconds"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

// RecordStep measures latency + success/failure per job step.
func RecordStep(job, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}

	lbls := Labels{
		"job":    job,
		"step":   step,
		"status": status,
	}

	backend.IncCounter(StepTotal, 1, lbls)
	backend.ObserveHistogram(StepDuration, d.Seconds(), lbls)
}

// RecordItems increments an item-level counter for the given job and kind.
//
// Kinds used by the dispatcher:
//   - "read"
//   - "failed"
//   - "results"
//   - "written"
func RecordItems(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(ItemsTotal, float64(delta), Labels{
		"job":  job,
		"kind": kind,
	})
}

// RecordChunks increments the processed chunk counter for the given job.
func RecordChunks(job string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(ChunksTotal, float64(delta), Labels{
		"job": job,
	})
}

// RecordSubBatch observes how long one sub-batch took.
func RecordSubBatch(job string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	backend.ObserveHistogram(SubBatchDuration, d.Seconds(), Labels{
		"job":    job,
		"status": status,
	})
}

// RecordQueryAttempt counts one parallel query attempt by outcome
// ("target_met", "minimum_met", "rejected", "cancelled", "failed", "interrupted", "fallback").
func RecordQueryAttempt(job, statement, outcome string, attempt int) {
	backend.IncCounter(QueryAttempts, 1, Labels{
		"job":       job,
		"statement": statement,
		"outcome":   outcome,
		"attempt":   strconv.Itoa(attempt),
	})
}

// ObserveWorkers records the peak number of parallel workers seen for one
// attempt.
func ObserveWorkers(job, statement string, workers int) {
	backend.ObserveHistogram(ParallelWorkers, float64(workers), Labels{
		"job":       job,
		"statement": statement,
	})
}

package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"ruleetl/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// readCounterValue reads the current value of a Counter for assertions in tests.
func readCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Counter.Write() error = %v", err)
	}
	if m.GetCounter() == nil {
		t.Fatalf("metric did not contain Counter value")
	}
	return m.GetCounter().GetValue()
}

// readSummaryCount reads the sample count of one SummaryVec child.
func readSummaryCount(t *testing.T, v *prometheus.SummaryVec, labels ...string) (uint64, float64) {
	t.Helper()

	m := &dto.Metric{}
	metric, ok := v.WithLabelValues(labels...).(prometheus.Metric)
	if !ok {
		t.Fatalf("SummaryVec.WithLabelValues(...) does not implement prometheus.Metric")
	}
	if err := metric.Write(m); err != nil {
		t.Fatalf("Summary.Write() error = %v", err)
	}
	return m.GetSummary().GetSampleCount(), m.GetSummary().GetSampleSum()
}

// readHistogramCount reads the sample count of one HistogramVec child.
func readHistogramCount(t *testing.T, v *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()

	m := &dto.Metric{}
	metric, ok := v.WithLabelValues(labels...).(prometheus.Metric)
	if !ok {
		t.Fatalf("HistogramVec.WithLabelValues(...) does not implement prometheus.Metric")
	}
	if err := metric.Write(m); err != nil {
		t.Fatalf("Histogram.Write() error = %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestNewBackend(t *testing.T) {
	t.Parallel()

	if b, err := NewBackend("job", ""); err == nil || b != nil {
		t.Fatalf("NewBackend without URL = %v, %v; want nil, error", b, err)
	}

	b, err := NewBackend("", "http://pushgateway:9091")
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	if b.jobName != "ruleetl" {
		t.Fatalf("jobName = %q, want default ruleetl", b.jobName)
	}
	if b.stepCounter == nil || b.stepDuration == nil || b.itemCounter == nil ||
		b.chunkCounter == nil || b.attemptCounter == nil || b.workers == nil || b.subBatch == nil {
		t.Fatalf("collector not initialised: %+v", b)
	}
}

func TestIncCounter(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("ruleetl", "http://example.com")
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}

	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"job": "j", "step": "prepare", "status": "success"})
	b.IncCounter(metrics.ItemsTotal, 1000, metrics.Labels{"kind": "read"})
	b.IncCounter(metrics.ItemsTotal, 24, metrics.Labels{"kind": "read"})
	b.IncCounter(metrics.ChunksTotal, 2, nil)
	b.IncCounter(metrics.QueryAttempts, 1, metrics.Labels{"statement": "createTargetList", "outcome": "cancelled"})
	b.IncCounter("unknown_metric", 10, metrics.Labels{"foo": "bar"})

	if got := readCounterValue(t, b.stepCounter.WithLabelValues("prepare", "success")); got != 1 {
		t.Fatalf("step counter = %v, want 1", got)
	}
	if got := readCounterValue(t, b.itemCounter.WithLabelValues("read")); got != 1024 {
		t.Fatalf("item counter = %v, want 1024", got)
	}
	if got := readCounterValue(t, b.chunkCounter); got != 2 {
		t.Fatalf("chunk counter = %v, want 2", got)
	}
	if got := readCounterValue(t, b.attemptCounter.WithLabelValues("createTargetList", "cancelled")); got != 1 {
		t.Fatalf("attempt counter = %v, want 1", got)
	}
}

func TestNilCollectorsAreSafe(t *testing.T) {
	t.Parallel()

	b := &Backend{}
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "s", "status": "ok"})
	b.IncCounter(metrics.ItemsTotal, 1, metrics.Labels{"kind": "read"})
	b.IncCounter(metrics.ChunksTotal, 1, nil)
	b.IncCounter(metrics.QueryAttempts, 1, nil)
	b.ObserveHistogram(metrics.StepDuration, 1, nil)
	b.ObserveHistogram(metrics.ParallelWorkers, 1, nil)
	b.ObserveHistogram(metrics.SubBatchDuration, 1, nil)
}

func TestObserveHistogram(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("ruleetl", "http://example.com")
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}

	b.ObserveHistogram(metrics.StepDuration, 1.5, metrics.Labels{"step": "slave", "status": "failure"})
	b.ObserveHistogram(metrics.ParallelWorkers, 3, metrics.Labels{"statement": "createTargetList"})
	b.ObserveHistogram(metrics.ParallelWorkers, 4, metrics.Labels{"statement": "createTargetList"})
	b.ObserveHistogram(metrics.SubBatchDuration, 0.2, metrics.Labels{"status": "success"})
	b.ObserveHistogram("other_metric", 2, metrics.Labels{"step": "slave", "status": "failure"})

	if n, sum := readSummaryCount(t, b.stepDuration, "slave", "failure"); n != 1 || sum != 1.5 {
		t.Fatalf("step summary = %d/%v, want 1/1.5", n, sum)
	}
	if n := readHistogramCount(t, b.workers, "createTargetList"); n != 2 {
		t.Fatalf("worker histogram count = %d, want 2", n)
	}
	if n, _ := readSummaryCount(t, b.subBatch, "success"); n != 1 {
		t.Fatalf("sub-batch summary count = %d, want 1", n)
	}
}

// TestFlush verifies that Flush pushes the registry to the configured
// Pushgateway URL.
func TestFlush(t *testing.T) {
	t.Parallel()

	type pushRequestInfo struct {
		method  string
		path    string
		bodyLen int
	}
	reqCh := make(chan pushRequestInfo, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		body, _ := io.ReadAll(r.Body)
		reqCh <- pushRequestInfo{method: r.Method, path: r.URL.Path, bodyLen: len(body)}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	b, err := NewBackend("wless-mabc", server.URL)
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "prepare", "status": "success"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	var got pushRequestInfo
	select {
	case got = <-reqCh:
	default:
		t.Fatalf("Flush() did not result in any HTTP request to the Pushgateway")
	}
	if got.method != http.MethodPut {
		t.Fatalf("push method = %q, want PUT", got.method)
	}
	if got.path != "/metrics/job/wless-mabc" {
		t.Fatalf("push path = %q, want /metrics/job/wless-mabc", got.path)
	}
	if got.bodyLen == 0 {
		t.Fatalf("Push request body length = 0, want > 0")
	}
}

// BenchmarkIncCounterItems measures the cost of the hottest counter path.
func BenchmarkIncCounterItems(b *testing.B) {
	backend, err := NewBackend("ruleetl", "http://example.com")
	if err != nil {
		b.Fatalf("NewBackend() error = %v", err)
	}
	labels := metrics.Labels{"kind": "read"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		backend.IncCounter(metrics.ItemsTotal, 1, labels)
	}
}

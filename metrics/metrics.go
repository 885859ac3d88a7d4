// Package metrics collects counters during a backup, restore, or GC run and
// renders the final report, per spec §6's stdout/report-uri output
// requirement. Grounded on the teacher's metrics.Metrics (atomic counters +
// GenerateReport), generalized from restore-only fields (recordsProcessed,
// batchesWritten, corruptCount) to the counters backup/restore/gc actually
// produce (tuples, chunks, bytes, errors).
//
// Each Metrics also mirrors its atomics onto a private
// prometheus/client_golang registry, grounded on Sumatoshi-tech-codefang's
// observability.PrometheusHandler (one registry per handler call, "to
// avoid collector conflicts when called multiple times") — here, one
// registry per run, since backup/restore/gc runs are one-shot rather than
// long-lived services. Handler exposes that registry for a cmd/ subcommand
// to scrape while the run is in flight, the same /metrics role
// diagnostics.go's DiagnosticsServer gives its OTel-backed counters.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects counters for an in-flight operation using atomic
// operations so concurrent upload/download workers can update them without
// a lock on the hot path. The same values are mirrored onto prometheus
// counters/gauges for live scraping; the atomics remain the source of
// truth GenerateReport reads from, so a scrape racing the final report
// can never disagree with it.
type Metrics struct {
	mu sync.RWMutex

	tuplesProcessed int64
	chunksWritten   int64
	bytesWritten    int64
	errors          int64

	processingTime time.Duration
	startTime      time.Time

	registry      *prometheus.Registry
	itemsCounter  prometheus.Counter
	chunksCounter prometheus.Counter
	bytesCounter  prometheus.Counter
	errorsCounter prometheus.Counter
	progressGauge prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with the clock started and its
// own prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		itemsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ddlog_backup_items_processed_total",
			Help: "Tuples, commits, or keys processed by the current backup/restore/gc run.",
		}),
		chunksCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ddlog_backup_chunks_written_total",
			Help: "Chunks (or, for gc, sweep batches) written by the current run.",
		}),
		bytesCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ddlog_backup_bytes_written_total",
			Help: "Compressed bytes written by the current run.",
		}),
		errorsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ddlog_backup_errors_total",
			Help: "Errors recorded by the current run.",
		}),
		progressGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ddlog_backup_progress_ratio",
			Help: "Fraction of known work completed so far, in [0, 1]. 0 if the total is not yet known.",
		}),
	}
	m.registry.MustRegister(m.itemsCounter, m.chunksCounter, m.bytesCounter, m.errorsCounter, m.progressGauge)
	return m
}

// Handler returns an http.Handler serving this run's counters in the
// Prometheus exposition format, for a cmd/ subcommand to mount at /metrics
// while the run is in flight.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordTuples(n int) {
	atomic.AddInt64(&m.tuplesProcessed, int64(n))
	m.itemsCounter.Add(float64(n))
}

func (m *Metrics) RecordChunkWritten(bytes int64) {
	atomic.AddInt64(&m.chunksWritten, 1)
	atomic.AddInt64(&m.bytesWritten, bytes)
	m.chunksCounter.Inc()
	m.bytesCounter.Add(float64(bytes))
}

func (m *Metrics) RecordError() {
	atomic.AddInt64(&m.errors, 1)
	m.errorsCounter.Inc()
}

func (m *Metrics) RecordProcessingTime(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processingTime += d
}

// RecordProgress sets the progress gauge to done/total, for GC's mark and
// sweep phases and backup's chunk pipeline to report a live completion
// fraction between checkpoints. A total <= 0 resets the gauge to 0 rather
// than dividing by it.
func (m *Metrics) RecordProgress(done, total int) {
	if total <= 0 {
		m.progressGauge.Set(0)
		return
	}
	m.progressGauge.Set(float64(done) / float64(total))
}

// Report is the final summary of an operation, per spec §6's report
// output. The field set is shared across backup, restore, and GC; a run
// leaves the fields it doesn't produce at zero.
type Report struct {
	StartTime     time.Time     `json:"startTime"`
	EndTime       time.Time     `json:"endTime"`
	TuplesHandled int64         `json:"tuplesHandled"`
	ChunksHandled int64         `json:"chunksHandled"`
	BytesHandled  int64         `json:"bytesHandled"`
	Errors        int64         `json:"errors"`
	Duration      time.Duration `json:"duration"`
	Throughput    float64       `json:"throughput"`
}

// GenerateReport computes the final report from the accumulated counters.
func (m *Metrics) GenerateReport() Report {
	endTime := time.Now()
	duration := endTime.Sub(m.startTime)

	var throughput float64
	if duration > 0 {
		throughput = float64(atomic.LoadInt64(&m.tuplesProcessed)) / duration.Seconds()
	}

	return Report{
		StartTime:     m.startTime,
		EndTime:       endTime,
		TuplesHandled: atomic.LoadInt64(&m.tuplesProcessed),
		ChunksHandled: atomic.LoadInt64(&m.chunksWritten),
		BytesHandled:  atomic.LoadInt64(&m.bytesWritten),
		Errors:        atomic.LoadInt64(&m.errors),
		Duration:      duration,
		Throughput:    throughput,
	}
}

// MarshalJSON renders Duration as a human-readable string for the report
// uri/stdout output, per spec §6.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Duration string `json:"duration"`
	}{
		Alias:    Alias(r),
		Duration: r.Duration.String(),
	})
}

func (r Report) String() string {
	return fmt.Sprintf(
		"completed in %s\ntuples: %d\nchunks: %d\nbytes: %d\nerrors: %d\nthroughput: %.2f tuples/sec",
		r.Duration, r.TuplesHandled, r.ChunksHandled, r.BytesHandled, r.Errors, r.Throughput,
	)
}

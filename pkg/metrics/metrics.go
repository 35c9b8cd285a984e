// Package metrics defines the Prometheus collectors of the indexer and
// exposes an HTTP handler for scraping. Merge scheduler events arrive through
// the merge.Observer returned by ForShard.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer/merge"
)

// Metrics holds all Prometheus collectors for the indexer.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	MergesStartedTotal  *prometheus.CounterVec
	MergesFinishedTotal *prometheus.CounterVec
	MergeDuration       *prometheus.HistogramVec
	MergeInputBytes     *prometheus.CounterVec
	IndexingStall       *prometheus.HistogramVec
	MergeWorkersActive  *prometheus.GaugeVec
	CircuitBreakerState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry creates all collectors and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 30},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		MergesStartedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "segment_merges_started_total",
				Help: "Total segment merges handed to a merge worker.",
			},
			[]string{"shard_id"},
		),
		MergesFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "segment_merges_finished_total",
				Help: "Total segment merges by result (completed, failed, aborted).",
			},
			[]string{"shard_id", "result"},
		),
		MergeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "segment_merge_duration_seconds",
				Help:    "Segment merge latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"shard_id"},
		),
		MergeInputBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "segment_merge_input_bytes_total",
				Help: "Total bytes of source segments handed to merges.",
			},
			[]string{"shard_id"},
		),
		IndexingStall: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexing_stall_seconds",
				Help:    "Time indexing threads spent blocked waiting for merges.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"shard_id"},
		),
		MergeWorkersActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "segment_merge_workers",
				Help: "Merge workers registered with a shard's coordinator.",
			},
			[]string{"shard_id"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		gatherer: gatherer,
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.MergesStartedTotal,
		m.MergesFinishedTotal,
		m.MergeDuration,
		m.MergeInputBytes,
		m.IndexingStall,
		m.MergeWorkersActive,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ForShard returns a merge.Observer that records into m under the shard's
// label.
func (m *Metrics) ForShard(shardID int) merge.Observer {
	return &shardObserver{m: m, shard: strconv.Itoa(shardID)}
}

// SetBreakerState records a circuit breaker state change.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

type shardObserver struct {
	m     *Metrics
	shard string
}

func (o *shardObserver) OnMergeStarted(job *merge.Job) {
	o.m.MergesStartedTotal.WithLabelValues(o.shard).Inc()
	o.m.MergeInputBytes.WithLabelValues(o.shard).Add(float64(job.Bytes))
}

func (o *shardObserver) OnMergeFinished(_ *merge.Job, d time.Duration, err error) {
	result := "completed"
	switch {
	case merge.IsAbort(err):
		result = "aborted"
	case err != nil:
		result = "failed"
	}
	o.m.MergesFinishedTotal.WithLabelValues(o.shard, result).Inc()
	o.m.MergeDuration.WithLabelValues(o.shard).Observe(d.Seconds())
}

func (o *shardObserver) OnStall(d time.Duration) {
	o.m.IndexingStall.WithLabelValues(o.shard).Observe(d.Seconds())
}

func (o *shardObserver) OnWorkers(active int) {
	o.m.MergeWorkersActive.WithLabelValues(o.shard).Set(float64(active))
}

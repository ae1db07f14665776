// Package metrics exposes Prometheus collectors for the sync service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                  *prometheus.CounterVec
	stuckJobsTotal             *prometheus.CounterVec
	queueLength                prometheus.Gauge
	campaignsTotal             *prometheus.CounterVec
	extractionChunksTotal      *prometheus.CounterVec
	syncPassDurationSeconds    *prometheus.HistogramVec
	circuitOpen                *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_sync_jobs_total",
				Help: "Total number of queue jobs finished, labeled by type and outcome.",
			},
			[]string{"type", "outcome"},
		)

		stuckJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_sync_stuck_jobs_total",
				Help: "Stuck processing jobs found by the recovery scan, labeled by action.",
			},
			[]string{"action"},
		)

		queueLength = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaign_sync_queue_length",
				Help: "Number of job ids waiting in the FIFO list.",
			},
		)

		campaignsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_sync_campaigns_total",
				Help: "Extraction records handled by the sync engine, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		extractionChunksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_sync_extraction_chunks_total",
				Help: "Extraction chunks submitted upstream, labeled by final outcome.",
			},
			[]string{"outcome"},
		)

		syncPassDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campaign_sync_pass_duration_seconds",
				Help:    "Duration of finalized sync passes, labeled by status.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		)

		circuitOpen = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "campaign_sync_circuit_open",
				Help: "1 when the named circuit breaker is open or half-open.",
			},
			[]string{"name"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveJob counts a finished job.
func ObserveJob(jobType, outcome string) {
	Init()
	jobsTotal.WithLabelValues(jobType, outcome).Inc()
}

// ObserveStuckJob counts a stuck job that was re-enqueued or failed.
func ObserveStuckJob(action string) {
	Init()
	stuckJobsTotal.WithLabelValues(action).Inc()
}

// SetQueueLength records the current FIFO length.
func SetQueueLength(n int64) {
	Init()
	queueLength.Set(float64(n))
}

// ObserveCampaign counts one extraction record by outcome (added, existing, skipped, error).
func ObserveCampaign(outcome string) {
	Init()
	campaignsTotal.WithLabelValues(outcome).Inc()
}

// ObserveExtractionChunk counts one chunk by outcome.
func ObserveExtractionChunk(outcome string) {
	Init()
	extractionChunksTotal.WithLabelValues(outcome).Inc()
}

// ObserveSyncPass records a finalized pass.
func ObserveSyncPass(status string, duration time.Duration) {
	Init()
	syncPassDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// SetCircuitOpen records whether a breaker is letting traffic through.
func SetCircuitOpen(name string, open bool) {
	Init()
	v := 0.0
	if open {
		v = 1
	}
	circuitOpen.WithLabelValues(name).Set(v)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Package metrics exposes Prometheus collectors for the harvester.
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
	harvesterRowsTotal          *prometheus.CounterVec
	harvesterCitiesTotal        *prometheus.CounterVec
	harvesterFetchDuration      *prometheus.HistogramVec
	harvesterFetchRetriesTotal  prometheus.Counter
	harvesterSnapshotsTotal     *prometheus.CounterVec
	harvesterRunDurationSeconds prometheus.Histogram
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvesterRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_rows_total",
				Help: "Total number of scraped rows, labeled by outcome (inserted, duplicate, dropped).",
			},
			[]string{"outcome"},
		)

		harvesterCitiesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_cities_total",
				Help: "Total number of city batches processed, labeled by status.",
			},
			[]string{"status"},
		)

		harvesterFetchDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of per-city fetch latencies, labeled by source (api, dom).",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"source"},
		)

		harvesterFetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_fetch_retries_total",
				Help: "Total number of fetch attempts retried after a transient failure.",
			},
		)

		harvesterSnapshotsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_snapshots_total",
				Help: "Total number of page snapshots saved, labeled by status.",
			},
			[]string{"status"},
		)

		harvesterRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_run_duration_seconds",
				Help:    "Histogram of full harvest run durations.",
				Buckets: []float64{30, 60, 120, 300, 600, 1800, 3600},
			},
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
	return promhttp.Handler()
}

// ObserveRows adds n to the row counter for the given outcome.
func ObserveRows(outcome string, n int) {
	if n > 0 {
		harvesterRowsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// ObserveCity increments the city batch counter for the given status.
func ObserveCity(status string) {
	harvesterCitiesTotal.WithLabelValues(status).Inc()
}

// ObserveFetch records the duration of one city fetch.
func ObserveFetch(source string, duration time.Duration) {
	harvesterFetchDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveFetchRetry increments the retry counter.
func ObserveFetchRetry() {
	harvesterFetchRetriesTotal.Inc()
}

// ObserveSnapshot increments the snapshot counter for the given status.
func ObserveSnapshot(status string) {
	harvesterSnapshotsTotal.WithLabelValues(status).Inc()
}

// ObserveRunDuration records the duration of a full harvest run.
func ObserveRunDuration(duration time.Duration) {
	harvesterRunDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

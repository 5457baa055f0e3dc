// Package metrics holds the Prometheus collectors shared by the session layer
// and the crawler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawler.
type Metrics struct {
	Registry          *prometheus.Registry
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   prometheus.Histogram
	RetriesTotal      prometheus.Counter
	TransportFailures prometheus.Counter
	RestartsTotal     prometheus.Counter
	ItemsTotal        prometheus.Counter
	AssetsTotal       *prometheus.CounterVec
	DownloadedBytes   prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
}

// New constructs and registers all metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_requests_total",
			Help: "Total HTTP requests issued, by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_request_duration_seconds",
			Help:    "Time until response headers for crawler requests.",
			Buckets: prometheus.DefBuckets,
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_retries_total",
			Help: "Total number of immediate request retries.",
		},
	)
	transportFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_transport_failures_total",
			Help: "Requests that failed after their retry.",
		},
	)
	restarts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_restarts_total",
			Help: "Full crawl restarts requested.",
		},
	)
	items := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_items_total",
			Help: "Item pages whose metadata was extracted.",
		},
	)
	assets := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_assets_total",
			Help: "Assets handled, by outcome.",
		},
		[]string{"status"},
	)
	downloadedBytes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_downloaded_bytes_total",
			Help: "Bytes written to asset files.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_errors_total",
			Help: "Total number of contained crawl errors by type.",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(requests, requestDuration, retries, transportFailures, restarts,
		items, assets, downloadedBytes, errorsTotal)

	return &Metrics{
		Registry:          registry,
		RequestsTotal:     requests,
		RequestDuration:   requestDuration,
		RetriesTotal:      retries,
		TransportFailures: transportFailures,
		RestartsTotal:     restarts,
		ItemsTotal:        items,
		AssetsTotal:       assets,
		DownloadedBytes:   downloadedBytes,
		ErrorsTotal:       errorsTotal,
	}
}

// IncRequest counts a finished request attempt.
func (m *Metrics) IncRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, outcome).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncTransportFailure increments the exhausted-retry counter.
func (m *Metrics) IncTransportFailure() {
	if m == nil {
		return
	}
	m.TransportFailures.Inc()
}

// IncRestarts increments the restart counter.
func (m *Metrics) IncRestarts() {
	if m == nil {
		return
	}
	m.RestartsTotal.Inc()
}

// IncItems increments the items counter.
func (m *Metrics) IncItems() {
	if m == nil {
		return
	}
	m.ItemsTotal.Inc()
}

// IncAsset counts one asset outcome.
func (m *Metrics) IncAsset(status string) {
	if m == nil {
		return
	}
	m.AssetsTotal.WithLabelValues(status).Inc()
}

// AddBytes adds to the downloaded bytes counter.
func (m *Metrics) AddBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.DownloadedBytes.Add(float64(n))
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

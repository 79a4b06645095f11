package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the packager.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	segmentsTotal       prometheus.Counter
	evictionsTotal      prometheus.Counter
	playlistWritesTotal prometheus.Counter
	activeVariants      prometheus.Gauge
	openFileHandles     prometheus.Gauge
	errorsTotal         prometheus.Counter
}

// New creates and registers Prometheus metrics for the packager.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlspack_requests_total",
		Help: "Total number of HTTP requests received",
	})
	segmentsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlspack_segments_total",
		Help: "Total number of segments added to media playlists",
	})
	evictionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlspack_evictions_total",
		Help: "Total number of entries evicted from sliding windows",
	})
	playlistWritesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlspack_playlist_writes_total",
		Help: "Total number of playlist files written to disk",
	})
	activeVariants := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hlspack_active_variants",
		Help: "Number of variants registered in the master playlist",
	})
	openFileHandles := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hlspack_open_file_handles",
		Help: "Number of live segment file handles in the store",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hlspack_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		segmentsTotal,
		evictionsTotal,
		playlistWritesTotal,
		activeVariants,
		openFileHandles,
		errorsTotal,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		segmentsTotal:       segmentsTotal,
		evictionsTotal:      evictionsTotal,
		playlistWritesTotal: playlistWritesTotal,
		activeVariants:      activeVariants,
		openFileHandles:     openFileHandles,
		errorsTotal:         errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncSegments increments the segments added counter.
func (m *Metrics) IncSegments() {
	m.segmentsTotal.Inc()
}

// AddEvictions adds n to the evictions counter.
func (m *Metrics) AddEvictions(n int) {
	m.evictionsTotal.Add(float64(n))
}

// IncPlaylistWrites increments the playlist write counter.
func (m *Metrics) IncPlaylistWrites() {
	m.playlistWritesTotal.Inc()
}

// SetActiveVariants sets the active variants gauge.
func (m *Metrics) SetActiveVariants(n int) {
	m.activeVariants.Set(float64(n))
}

// SetOpenFileHandles sets the open file handles gauge.
func (m *Metrics) SetOpenFileHandles(n int) {
	m.openFileHandles.Set(float64(n))
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

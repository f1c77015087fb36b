// Package metrics exposes process-level Prometheus collectors for the
// harvester service. Job lifecycle metrics live in the progress sinks.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	robotsFallbackTotal        prometheus.Counter
	hostWaitSeconds            *prometheus.HistogramVec
	schedulerQueueDepth        prometheus.Gauge
	schedulerActiveJobs        prometheus.Gauge
	analysesTotal              *prometheus.CounterVec
	streamsOpen                prometheus.Gauge

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_http_requests_total",
				Help: "Total number of API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_robots_fallback_total",
				Help: "robots.txt probes that timed out and fell back to allow-all.",
			},
		)

		hostWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_host_wait_seconds",
				Help:    "Time spent waiting on per-host politeness limits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		schedulerQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_scheduler_queue_depth",
				Help: "Jobs waiting for admission.",
			},
		)

		schedulerActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_scheduler_active_jobs",
				Help: "Jobs currently executing.",
			},
		)

		analysesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_ai_analyses_total",
				Help: "AI analysis attempts per content row, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		streamsOpen = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_event_streams_open",
				Help: "Open server-sent event streams.",
			},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from rawURL, or "unknown".
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback() {
	Init()
	robotsFallbackTotal.Inc()
}

// ObserveHostWait records a politeness wait against host.
func ObserveHostWait(host string, d time.Duration) {
	Init()
	hostWaitSeconds.WithLabelValues(SanitizeHost(host)).Observe(d.Seconds())
}

// SetScheduler publishes the scheduler's queue depth and active job count.
func SetScheduler(queued, active int) {
	Init()
	schedulerQueueDepth.Set(float64(queued))
	schedulerActiveJobs.Set(float64(active))
}

// ObserveAnalysis counts one analysis outcome (analyzed, skipped, failed).
func ObserveAnalysis(outcome string) {
	Init()
	analysesTotal.WithLabelValues(outcome).Inc()
}

// StreamOpened and StreamClosed track live SSE connections.
func StreamOpened() { Init(); streamsOpen.Inc() }

// StreamClosed decrements the open stream gauge.
func StreamClosed() { Init(); streamsOpen.Dec() }

// Package metrics exposes Prometheus collectors for the downloader pool.
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
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	tunnelAttemptsTotal        *prometheus.CounterVec
	tunnelDropsTotal           prometheus.Counter
	workersByState             *prometheus.GaugeVec
	throttleDeferralsTotal     prometheus.Counter
	submissionsRejectedTotal   prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlpool_fetches_total",
				Help: "Total number of fetch attempts, labeled by site and outcome.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlpool_fetch_bytes_total",
				Help: "Total number of raw response bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dlpool_fetch_duration_seconds",
				Help:    "Histogram of fetch wall-clock durations, labeled by outcome.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
			},
			[]string{"status"},
		)

		tunnelAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dlpool_tunnel_attempts_total",
				Help: "Total number of tunnel connection attempts, labeled by result.",
			},
			[]string{"result"},
		)

		tunnelDropsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dlpool_tunnel_drops_total",
				Help: "Total number of established tunnels that exited unexpectedly.",
			},
		)

		workersByState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dlpool_workers",
				Help: "Number of registered workers, labeled by state.",
			},
			[]string{"state"},
		)

		throttleDeferralsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dlpool_throttle_deferrals_total",
				Help: "Ready tasks left pending in a dispatch pass because no worker was eligible.",
			},
		)

		submissionsRejectedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dlpool_task_submissions_rejected_total",
				Help: "Task submissions refused by the per-client rate limit.",
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

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
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

// ObserveFetch records one fetch attempt.
func ObserveFetch(site, status string, bytesFetched int, duration time.Duration) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
	fetchDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveTunnelAttempt counts a tunnel attempt with result connected, failed or denied.
func ObserveTunnelAttempt(result string) {
	Init()
	tunnelAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveTunnelDrop counts an unexpected tunnel exit.
func ObserveTunnelDrop() {
	Init()
	tunnelDropsTotal.Inc()
}

// ObserveWorkerState moves one worker between state gauges. An empty from registers a
// new worker.
func ObserveWorkerState(from, to string) {
	Init()
	if from == to {
		return
	}
	if from != "" {
		workersByState.WithLabelValues(from).Dec()
	}
	workersByState.WithLabelValues(to).Inc()
}

// ObserveThrottleDeferral counts a ready task skipped because every worker was busy or
// cooling down for its domain.
func ObserveThrottleDeferral() {
	Init()
	throttleDeferralsTotal.Inc()
}

// ObserveSubmissionRejected counts a task submission refused by the rate limit.
func ObserveSubmissionRejected() {
	Init()
	submissionsRejectedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

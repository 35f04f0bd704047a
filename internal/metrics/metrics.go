// Package metrics exposes Prometheus collectors for the watcher service.
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
	scrapeAttemptsTotal        *prometheus.CounterVec
	scrapeDurationSeconds      *prometheus.HistogramVec
	runsTotal                  *prometheus.CounterVec
	runDurationSeconds         prometheus.Histogram
	updatesTotal               *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	subscriptionsTotal         *prometheus.CounterVec
	subscribersGauge           prometheus.Gauge
	sendPacingDelaySeconds     prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapeAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watcher_scrape_attempts_total",
				Help: "Total number of scrape attempts, labeled by source, site and outcome.",
			},
			[]string{"source", "site", "outcome"},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "watcher_scrape_duration_seconds",
				Help:    "Histogram of scrape durations including retries, labeled by source.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watcher_runs_total",
				Help: "Total number of update checks, labeled by final status.",
			},
			[]string{"status"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "watcher_run_duration_seconds",
				Help:    "Histogram of update check wall-clock durations.",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120},
			},
		)

		updatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watcher_updates_total",
				Help: "Total number of detected source changes, labeled by source.",
			},
			[]string{"source"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watcher_notifications_total",
				Help: "Total number of e-mails attempted, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		subscriptionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watcher_subscriptions_total",
				Help: "Total number of subscribe requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		subscribersGauge = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "watcher_subscribers",
				Help: "Number of stored subscribers as of the last read.",
			},
		)

		sendPacingDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "watcher_send_pacing_delay_seconds",
				Help:    "Histogram of waits imposed between consecutive e-mail sends.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
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

// ObserveScrapeAttempt counts one fetch+extract attempt against a source.
func ObserveScrapeAttempt(source, rawURL, outcome string) {
	Init()
	scrapeAttemptsTotal.WithLabelValues(source, SanitizeSite(rawURL), outcome).Inc()
}

// ObserveScrape records the total time spent scraping a source.
func ObserveScrape(source string, duration time.Duration) {
	Init()
	scrapeDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveRun records a finished update check.
func ObserveRun(status string, duration time.Duration) {
	Init()
	runsTotal.WithLabelValues(status).Inc()
	runDurationSeconds.Observe(duration.Seconds())
}

// ObserveUpdate counts a detected change for source.
func ObserveUpdate(source string) {
	Init()
	updatesTotal.WithLabelValues(source).Inc()
}

// ObserveNotification counts an e-mail attempt.
func ObserveNotification(kind, outcome string) {
	Init()
	notificationsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveSubscription counts a subscribe request outcome.
func ObserveSubscription(outcome string) {
	Init()
	subscriptionsTotal.WithLabelValues(outcome).Inc()
}

// SetSubscribers updates the subscriber gauge.
func SetSubscribers(n int) {
	Init()
	subscribersGauge.Set(float64(n))
}

// ObservePacingDelay records the duration of a pacing wait.
func ObservePacingDelay(duration time.Duration) {
	Init()
	sendPacingDelaySeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

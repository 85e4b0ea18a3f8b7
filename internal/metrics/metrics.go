// Package metrics exposes Prometheus collectors for the job queue, the workers
// and the discovery engine.
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
	candidatesTotal               *prometheus.CounterVec
	entitiesTotal                 *prometheus.CounterVec
	entitySkipsTotal              *prometheus.CounterVec
	fetchDurationSeconds          *prometheus.HistogramVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	probeTLSHandshakeTimeoutTotal prometheus.Counter
	jobsTotal                     *prometheus.CounterVec
	activeWorkers                 prometheus.Gauge
	rateLimitDelaysSeconds        *prometheus.HistogramVec
	jobLogsDroppedTotal           prometheus.Counter
	reclaimedJobsTotal            *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		candidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipqueue_candidates_total",
				Help: "Candidate URLs evaluated, labeled by site and verdict.",
			},
			[]string{"site", "verdict"},
		)

		entitiesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipqueue_entities_total",
				Help: "Discovery rounds completed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		entitySkipsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipqueue_entity_skips_total",
				Help: "Entities skipped by the retry ledger, labeled by reason.",
			},
			[]string{"reason"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clipqueue_fetch_duration_seconds",
				Help:    "Histogram of candidate fetch latencies, labeled by source adapter.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
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

		probeTLSHandshakeTimeoutTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "clipqueue_probe_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while probing robots.txt.",
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipqueue_jobs_total",
				Help: "Jobs finalized, labeled by type and status.",
			},
			[]string{"type", "status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "clipqueue_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clipqueue_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		jobLogsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "clipqueue_job_logs_dropped_total",
				Help: "Job log entries dropped because the hub buffer was full.",
			},
		)

		reclaimedJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clipqueue_reclaimed_jobs_total",
				Help: "Stale jobs reconciled by the reaper, labeled by action.",
			},
			[]string{"action"},
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

// ObserveCandidate counts one evaluated candidate URL.
func ObserveCandidate(rawURL, verdict string) {
	Init()
	candidatesTotal.WithLabelValues(SanitizeSite(rawURL), verdict).Inc()
}

// ObserveEntity counts one completed discovery round.
func ObserveEntity(outcome string) {
	Init()
	entitiesTotal.WithLabelValues(outcome).Inc()
}

// ObserveSkip counts one entity skipped by the retry ledger.
func ObserveSkip(reason string) {
	Init()
	entitySkipsTotal.WithLabelValues(reason).Inc()
}

// ObserveFetch records how long a source adapter took.
func ObserveFetch(source string, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProbeTLSHandshakeTimeout increments the probe-specific handshake timeout counter.
func ObserveProbeTLSHandshakeTimeout() {
	Init()
	probeTLSHandshakeTimeoutTotal.Inc()
}

// ObserveJob counts a finalized job.
func ObserveJob(jobType, status string) {
	Init()
	jobsTotal.WithLabelValues(jobType, status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveJobLogDropped counts a job log entry the hub could not buffer.
func ObserveJobLogDropped() {
	Init()
	jobLogsDroppedTotal.Inc()
}

// ObserveReclaim counts jobs the reaper requeued or finalized.
func ObserveReclaim(action string, n int) {
	Init()
	if n > 0 {
		reclaimedJobsTotal.WithLabelValues(action).Add(float64(n))
	}
}

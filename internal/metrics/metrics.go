// Package metrics exposes Prometheus collectors for the ingestion service.
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
	pollCyclesTotal            *prometheus.CounterVec
	pollCycleDurationSeconds   prometheus.Histogram
	fetchAttemptsTotal         *prometheus.CounterVec
	recordsTotal               *prometheus.CounterVec
	breakerState               *prometheus.GaugeVec
	breakerTransitionsTotal    *prometheus.CounterVec
	cacheIncidents             *prometheus.GaugeVec
	cacheRemovalsTotal         *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	eventsPublishedTotal       *prometheus.CounterVec
	snapshotsArchivedTotal     *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pollCyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_poll_cycles_total",
				Help: "Total number of poll cycles, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		pollCycleDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "feed_poll_cycle_duration_seconds",
				Help:    "Histogram of poll cycle latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_fetch_attempts_total",
				Help: "Total number of upstream fetch attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_records_total",
				Help: "Total number of feed rows seen, labeled by pipeline stage.",
			},
			[]string{"stage"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "feed_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 half open, 2 open).",
			},
			[]string{"breaker"},
		)

		breakerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_breaker_transitions_total",
				Help: "Total number of circuit breaker transitions, labeled by target state.",
			},
			[]string{"breaker", "to"},
		)

		cacheIncidents = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "feed_cache_incidents",
				Help: "Number of cached incidents, labeled by status.",
			},
			[]string{"status"},
		)

		cacheRemovalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_cache_removals_total",
				Help: "Total number of incidents removed from the cache, labeled by reason.",
			},
			[]string{"reason"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feed_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		eventsPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_events_published_total",
				Help: "Total number of lifecycle events published, labeled by type and result.",
			},
			[]string{"type", "result"},
		)

		snapshotsArchivedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_snapshots_archived_total",
				Help: "Total number of raw snapshot archive attempts, labeled by result.",
			},
			[]string{"result"},
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

// ObservePollCycle records a cycle outcome and its duration.
func ObservePollCycle(outcome string, duration time.Duration) {
	Init()
	pollCyclesTotal.WithLabelValues(outcome).Inc()
	pollCycleDurationSeconds.Observe(duration.Seconds())
}

// ObserveFetchAttempt counts one upstream request.
func ObserveFetchAttempt(outcome string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRecords adds n rows to the given stage counter.
func ObserveRecords(stage string, n int) {
	if n <= 0 {
		return
	}
	Init()
	recordsTotal.WithLabelValues(stage).Add(float64(n))
}

// SetBreakerState publishes a breaker's current position.
func SetBreakerState(name, state string) {
	Init()
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	breakerState.WithLabelValues(name).Set(v)
	breakerTransitionsTotal.WithLabelValues(name, state).Inc()
}

// SetCacheSize publishes cache occupancy.
func SetCacheSize(active, closed int) {
	Init()
	cacheIncidents.WithLabelValues("active").Set(float64(active))
	cacheIncidents.WithLabelValues("closed").Set(float64(closed))
}

// ObserveCacheRemovals counts incidents dropped for reason ("expired" or "evicted").
func ObserveCacheRemovals(reason string, n int) {
	if n <= 0 {
		return
	}
	Init()
	cacheRemovalsTotal.WithLabelValues(reason).Add(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveEventPublished counts a lifecycle publish attempt.
func ObserveEventPublished(eventType string, err error) {
	Init()
	eventsPublishedTotal.WithLabelValues(eventType, result(err)).Inc()
}

// ObserveSnapshotArchived counts a snapshot archive attempt.
func ObserveSnapshotArchived(res string) {
	Init()
	snapshotsArchivedTotal.WithLabelValues(res).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

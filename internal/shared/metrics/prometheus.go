package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Timestamping metrics
	signRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsa_sign_requests_total",
			Help: "Total number of sign requests by final outcome",
		},
		[]string{"outcome"},
	)

	providerAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsa_provider_attempts_total",
			Help: "Total number of sign attempts per provider",
		},
		[]string{"provider", "result"},
	)

	providerAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsa_provider_attempt_duration_seconds",
			Help:    "Sign attempt duration per provider in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"provider"},
	)

	hedgedAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tsa_hedged_attempts_total",
			Help: "Total number of backup attempts started by the hedging timer",
		},
	)

	validationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsa_validation_failures_total",
			Help: "Total number of token validation failures by step",
		},
		[]string{"provider", "step"},
	)

	providerHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tsa_provider_healthy",
			Help: "Whether a provider is currently considered healthy (1) or not (0)",
		},
		[]string{"provider"},
	)

	probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsa_probe_duration_seconds",
			Help:    "Health probe duration per provider in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"provider"},
	)

	// Retry queue metrics
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tsa_retry_queue_depth",
			Help: "Number of requests currently waiting in the retry queue",
		},
	)

	queueEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsa_retry_queue_enqueued_total",
			Help: "Total enqueue attempts by result",
		},
		[]string{"result"},
	)

	queueDrainedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsa_retry_queue_drained_total",
			Help: "Total drained retry attempts by result",
		},
		[]string{"result"},
	)

	deadLettersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tsa_dead_letters_total",
			Help: "Total number of requests moved to the dead-letter state",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath normalizes URL paths for metrics to avoid cardinality explosion
func normalizePath(path string) string {
	if len(path) > 100 {
		return "/api/..."
	}
	return path
}

// --- Timestamping metric helpers ---

// RecordSignRequest records the final outcome of a sign request:
// signed, queued, rejected or failed.
func RecordSignRequest(outcome string) {
	signRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordProviderAttempt records one sign attempt against a provider
func RecordProviderAttempt(provider, result string, duration time.Duration) {
	providerAttemptsTotal.WithLabelValues(provider, result).Inc()
	providerAttemptDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordHedgedAttempt records a backup attempt started by the hedge timer
func RecordHedgedAttempt() {
	hedgedAttemptsTotal.Inc()
}

// RecordValidationFailure records a token validation failure at a given step
func RecordValidationFailure(provider, step string) {
	validationFailuresTotal.WithLabelValues(provider, step).Inc()
}

// RecordProviderHealth records the current health of a provider
func RecordProviderHealth(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	providerHealthy.WithLabelValues(provider).Set(v)
}

// RecordProbe records a health probe round trip
func RecordProbe(provider string, duration time.Duration) {
	probeDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordQueueDepth records the current retry queue depth
func RecordQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// RecordEnqueue records an enqueue attempt: accepted or rejected
func RecordEnqueue(result string) {
	queueEnqueuedTotal.WithLabelValues(result).Inc()
}

// RecordDrained records a drained retry attempt: success, retry or dead
func RecordDrained(result string) {
	queueDrainedTotal.WithLabelValues(result).Inc()
}

// RecordDeadLetter records a request moved to the dead-letter state
func RecordDeadLetter() {
	deadLettersTotal.Inc()
}

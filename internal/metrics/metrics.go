// Package metrics provides Prometheus instrumentation for Kestrel.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path pattern,
	// and status bucket.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status bucket.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EvaluationsTotal counts completed evaluations by decision.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "evaluations_total",
			Help:      "Total transaction evaluations by decision.",
		},
		[]string{"decision"},
	)

	// EvaluationErrorsTotal counts evaluations that failed to complete.
	EvaluationErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "evaluation_errors_total",
			Help:      "Total evaluations aborted by a rule or store failure.",
		},
	)

	// RuleTriggeredTotal counts individual rule triggers by rule name.
	RuleTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "rule_triggered_total",
			Help:      "Total rule triggers by rule name.",
		},
		[]string{"rule"},
	)

	// EvaluationDuration observes end-to-end evaluation latency.
	EvaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "evaluation_duration_seconds",
			Help:      "Transaction evaluation duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EvaluationsTotal,
		EvaluationErrorsTotal,
		RuleTriggeredTotal,
		EvaluationDuration,
	)
}

// RecordEvaluation records a completed evaluation and its rule triggers.
func RecordEvaluation(result *domain.EvaluationResult, elapsed time.Duration) {
	EvaluationsTotal.WithLabelValues(string(result.Decision)).Inc()
	EvaluationDuration.Observe(elapsed.Seconds())
	for _, v := range result.Verdicts {
		if v.Triggered {
			RuleTriggeredTotal.WithLabelValues(v.RuleName).Inc()
		}
	}
}

// RecordEvaluationError records an evaluation that aborted.
func RecordEvaluationError() {
	EvaluationErrorsTotal.Inc()
}

// Handler returns the Prometheus handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one finished HTTP request. The path should be the
// route pattern, not the raw URL, to bound label cardinality.
func ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, path, statusBucket(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joescharf/tsr/internal/rules"
)

var (
	// evaluationsTotal counts decisions written onto reports.
	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsr_evaluations_total",
		Help: "Total go/no-go evaluations by decision",
	}, []string{"decision"})

	// blockingIssues tracks how many blocking issues each evaluation found.
	blockingIssues = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tsr_evaluation_blocking_issues",
		Help:    "Blocking issues found per evaluation",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
	})

	// warningsTotal counts warnings raised across all evaluations.
	warningsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsr_evaluation_warnings_total",
		Help: "Total warnings raised by evaluations",
	})

	// approvalsTotal counts approval attempts by result.
	approvalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsr_approvals_total",
		Help: "Total manual approval attempts by result",
	}, []string{"result"})

	// storeErrors counts failed store operations.
	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsr_store_errors_total",
		Help: "Total report store errors by operation",
	}, []string{"operation"})

	// httpRequests counts API requests by route and status code.
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsr_http_requests_total",
		Help: "Total API requests by method, route and status",
	}, []string{"method", "route", "code"})

	// httpDuration tracks API latency.
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tsr_http_request_duration_seconds",
		Help:    "API request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
	}, []string{"route"})
)

// ObserveEvaluation records one engine result. It has the rules.Observer
// signature so it can be registered with rules.WithObserver.
func ObserveEvaluation(res rules.Result) {
	evaluationsTotal.WithLabelValues(string(res.Decision)).Inc()
	blockingIssues.Observe(float64(len(res.BlockingIssues)))
	warningsTotal.Add(float64(len(res.Warnings)))
}

// Approval results.
const (
	ApprovalAccepted = "accepted"
	ApprovalRejected = "rejected"
)

// ObserveApproval records an approval attempt.
func ObserveApproval(result string) {
	approvalsTotal.WithLabelValues(result).Inc()
}

// ObserveStoreError records a failed store operation.
func ObserveStoreError(operation string) {
	storeErrors.WithLabelValues(operation).Inc()
}

// ObserveRequest records one served API request.
func ObserveRequest(method, route string, code int, elapsed time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

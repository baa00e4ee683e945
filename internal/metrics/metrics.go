// Package metrics provides Prometheus instrumentation for the post-trade engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkflowsTotal counts completed workflows by final status.
	WorkflowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pte_workflows_total",
		Help: "Trade workflows processed, by status",
	}, []string{"status"})

	// WorkflowLatency tracks end-to-end workflow duration.
	WorkflowLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pte_workflow_latency_seconds",
		Help:    "Trade workflow latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DomainOutcomes counts fan-out unit outcomes by domain and status.
	DomainOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pte_domain_outcomes_total",
		Help: "Fan-out unit outcomes by domain and status",
	}, []string{"domain", "status"})

	// BookingRejections counts trades rejected by pre-trade validation.
	BookingRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pte_booking_rejections_total",
		Help: "Trades rejected by pre-trade validation",
	})

	// ConfirmationMatches counts inbound matching results.
	ConfirmationMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pte_confirmation_matches_total",
		Help: "Inbound confirmation matching results",
	}, []string{"result"})

	// SubmissionAttempts counts trade repository transmissions by result.
	SubmissionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pte_submission_attempts_total",
		Help: "Regulatory submission attempts by result",
	}, []string{"result"})

	// OutboxDepth tracks submissions awaiting retry.
	OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pte_submission_outbox_depth",
		Help: "Regulatory submissions parked for retry",
	})

	// SettlementFailures counts failed instructions by classified reason.
	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pte_settlement_failures_total",
		Help: "Failed settlement instructions by reason",
	}, []string{"reason"})

	// MarginCallsIssued counts issued margin calls.
	MarginCallsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pte_margin_calls_total",
		Help: "Margin calls issued",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pte_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pte_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pte_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

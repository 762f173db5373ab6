// Package metrics provides Prometheus instrumentation for the loan engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// EventsProcessed counts decoded chain events by kind and outcome
	// (applied, noop, dropped, failed).
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loan_engine_events_processed_total",
		Help: "Chain events handled by the reconciler",
	}, []string{"kind", "outcome"})

	// EventsDropped counts events discarded without a ledger write, by reason.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loan_engine_events_dropped_total",
		Help: "Chain events dropped by the reconciler",
	}, []string{"kind", "reason"})

	// ReconcileLatency tracks per-event handling time.
	ReconcileLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loan_engine_reconcile_latency_seconds",
		Help:    "Event reconciliation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// RepaymentsRecorded counts repayments appended to the ledger by type.
	RepaymentsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loan_engine_repayments_recorded_total",
		Help: "Repayments appended to loan histories",
	}, []string{"payment_type"})

	// CheckpointBlock is the last fully handled block per subscription.
	CheckpointBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loan_engine_checkpoint_block",
		Help: "Last block acknowledged per event subscription",
	}, []string{"subscription"})

	// AutoRepayments counts scheduler outcomes per loan
	// (not_due, skipped, pending, confirmed, reverted, failed).
	AutoRepayments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loan_engine_auto_repayments_total",
		Help: "Auto-repayment decisions and submissions",
	}, []string{"outcome"})

	// SchedulerCycleDuration tracks a full scheduler pass.
	SchedulerCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loan_engine_scheduler_cycle_seconds",
		Help:    "Auto-repayment cycle duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	})

	// EstimatesTotal counts estimate requests by outcome.
	EstimatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loan_engine_estimates_total",
		Help: "Loan estimates computed",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loan_engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loan_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loan_engine_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi pattern so wallet and LSA path
// parameters do not explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

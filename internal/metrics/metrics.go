// Package metrics provides Prometheus instrumentation for the ledger engine.
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
	// WagersTotal counts wager requests by outcome
	// (accepted, validation, precondition, conflict, infrastructure).
	WagersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_wagers_total",
		Help: "Wager requests by outcome",
	}, []string{"outcome"})

	// WagerLatency tracks end-to-end workflow latency.
	WagerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_wager_latency_seconds",
		Help:    "Wager workflow latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// StakedCoins accumulates accepted stake volume per currency.
	StakedCoins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_staked_total",
		Help: "Cumulative accepted stake volume",
	}, []string{"currency"})

	// Compensations counts debits reversed because no bet was recorded.
	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_compensations_total",
		Help: "Debit compensations by result",
	}, []string{"result"})

	// ReferralRewards counts first-bet referral checks by result
	// (not_first, not_referred, lost_race, paid).
	ReferralRewards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_referral_rewards_total",
		Help: "Referral reward processing results",
	}, []string{"result"})

	// ReconciliationItems counts discrepancies handed to reconciliation.
	ReconciliationItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconciliation_items_total",
		Help: "Ledger discrepancies queued for reconciliation",
	}, []string{"kind"})

	// ReconciliationApplied counts items processed by the worker.
	ReconciliationApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconciliation_applied_total",
		Help: "Reconciliation items processed by the worker",
	}, []string{"kind", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps user ids out of the label set.
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

// Hijack lets the WebSocket upgrade through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

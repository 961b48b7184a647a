// Package metrics provides Prometheus instrumentation for the trade engine.
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
	// OrdersTotal counts orders by exchange, side and outcome
	// (booked, requested, contracted, canceled, rejected).
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trade_orders_total",
		Help: "Orders by lifecycle transition",
	}, []string{"exchange", "side", "status"})

	// OrderFillLatency measures the time from REQUESTED to CONTRACTED.
	OrderFillLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trade_order_fill_latency_seconds",
		Help:    "Time from order submission to fill",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"exchange"})

	// TradesSettled counts closed entry/counter pairs.
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trade_settled_total",
		Help: "Closed positions recorded in the trade log",
	}, []string{"product"})

	// RealizedProfit sums realized fact profit per virtual account. Losses
	// lower it, so it is a gauge.
	RealizedProfit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trade_realized_profit",
		Help: "Running sum of realized fact profit per virtual account",
	}, []string{"virtual_account"})

	// Decisions counts dealer decisions by signal.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trade_decisions_total",
		Help: "Dealer decisions by signal",
	}, []string{"signal"})

	// StreamFailures counts tolerated stream errors by stage.
	StreamFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trade_stream_failures_total",
		Help: "Errors tolerated by market streams",
	}, []string{"stage"})

	// ActiveStreams tracks the number of running market streams.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trade_active_streams",
		Help: "Number of currently running market streams",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trade_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trade_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trade_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	return h.Hijack()
}

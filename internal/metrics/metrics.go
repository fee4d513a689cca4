// Package metrics provides Prometheus instrumentation for the vault engine.
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
	// OperationsTotal counts ledger operations by kind and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_operations_total",
		Help: "Total ledger operations executed",
	}, []string{"op", "outcome"})

	// OperationDuration tracks ledger operation latency by kind.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_operation_duration_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// OpenPositions tracks the number of currently open positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_open_positions",
		Help: "Number of currently open positions",
	})

	// PoolLiquidity tracks per-asset pool liquidity in native units.
	PoolLiquidity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vault_pool_liquidity",
		Help: "Pool liquidity per asset in native units",
	}, []string{"asset"})

	// PoolReserved tracks per-asset reserved liquidity in native units.
	PoolReserved = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vault_pool_reserved",
		Help: "Reserved pool liquidity per asset in native units",
	}, []string{"asset"})

	// LiquidationsTotal counts forced position closes.
	LiquidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_liquidations_total",
		Help: "Positions force-closed by liquidation",
	})

	// ReserveRejections counts increases rejected for insufficient
	// pool liquidity.
	ReserveRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_reserve_rejections_total",
		Help: "Position increases rejected by the reserve check",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_http_request_duration_seconds",
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

// Package metrics provides Prometheus instrumentation for the exchange engine.
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
	// OrdersActivatedTotal counts orders activated from the request queue,
	// partitioned by side.
	OrdersActivatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betmesh_orders_activated_total",
		Help: "Total number of orders activated",
	}, []string{"side"})

	// OrderRequestsRejectedTotal counts order requests rejected at intake or
	// activation, partitioned by reason.
	OrderRequestsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betmesh_order_requests_rejected_total",
		Help: "Total number of order requests rejected",
	}, []string{"reason"})

	// MatchesTotal counts executed maker/taker fills, partitioned by taker side.
	MatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betmesh_matches_total",
		Help: "Total number of fills executed",
	}, []string{"taker_side"})

	// MatchedVolume tracks cumulative matched stake per market.
	MatchedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betmesh_matched_volume_total",
		Help: "Cumulative matched stake",
	}, []string{"market_id"})

	// SettlementsTotal counts order settlements, partitioned by result.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betmesh_settlements_total",
		Help: "Total number of order settlements",
	}, []string{"result"})

	// RequestQueueDepth tracks the pending order request count per market.
	RequestQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "betmesh_request_queue_depth",
		Help: "Pending order requests per market",
	}, []string{"market_id"})

	// MatchQueueDepth tracks the pending match tick count per market.
	MatchQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "betmesh_match_queue_depth",
		Help: "Pending match ticks per market",
	}, []string{"market_id"})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "betmesh_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "betmesh_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betmesh_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "betmesh_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// CrankSteps counts crank driver iterations, partitioned by step and result.
	CrankSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "betmesh_crank_steps_total",
		Help: "Crank driver processing steps",
	}, []string{"step", "result"})
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

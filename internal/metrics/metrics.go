// Package metrics provides Prometheus instrumentation for the market engine.
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
	// TradesTotal counts trades executed, partitioned by type and position.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seeds_trades_total",
		Help: "Total number of trades executed",
	}, []string{"type", "position"})

	// TradeLatency tracks end-to-end trade latency including retries.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seeds_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// TradeShares tracks cumulative shares traded per position.
	TradeShares = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seeds_trade_shares_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"type", "position"})

	// TradeSeeds tracks cumulative Seeds moved by trades (gross).
	TradeSeeds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seeds_trade_seeds_total",
		Help: "Cumulative gross Seeds moved by trades",
	}, []string{"type"})

	// ExitTaxCollected tracks Seeds withheld by the exit tax.
	ExitTaxCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seeds_exit_tax_total",
		Help: "Cumulative Seeds withheld by the exit tax",
	})

	// TxConflicts counts store transactions that lost a race and were retried
	// or abandoned.
	TxConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seeds_tx_conflicts_total",
		Help: "Store transaction conflicts by outcome",
	}, []string{"outcome"}) // retried | exhausted

	// Resolutions counts settled decisions by resolution kind.
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seeds_resolutions_total",
		Help: "Decisions settled",
	}, []string{"kind"})

	// ActiveDecisions tracks the number of open decisions.
	ActiveDecisions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seeds_active_decisions",
		Help: "Number of currently open decisions",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "seeds_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// PositionLimitRejections counts trades rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seeds_position_limit_rejections_total",
		Help: "Trades rejected by position limiter",
	})

	// RateLimitRejections counts trades rejected by the per-user rate limiter.
	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seeds_rate_limit_rejections_total",
		Help: "Trades rejected by the rate limiter",
	})

	// EventPublishFailures counts events that could not be delivered.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seeds_event_publish_failures_total",
		Help: "Events that failed to publish",
	}, []string{"kind"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "seeds_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seeds_http_request_duration_seconds",
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

// Package metrics provides Prometheus instrumentation for the listing engine.
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
	// ListingsCreated counts listings created, partitioned by quality grade.
	ListingsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrimart_listings_created_total",
		Help: "Total number of listings created",
	}, []string{"grade"})

	// ListingsClosed counts listings leaving active, by terminal status.
	ListingsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrimart_listings_closed_total",
		Help: "Listings moved to a terminal status",
	}, []string{"status"})

	// BidsPlaced counts accepted bid placements.
	BidsPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agrimart_bids_placed_total",
		Help: "Total number of bids placed",
	})

	// Settlements counts acceptBid attempts by outcome: ok, conflict, busy, error.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrimart_settlements_total",
		Help: "Settlement attempts by result",
	}, []string{"result"})

	// SettlementLatency tracks end-to-end settlement transaction time.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agrimart_settlement_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// SweepDuration tracks how long each expiry sweep takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agrimart_sweep_duration_seconds",
		Help:    "Expiry sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// FeedClients tracks connected WebSocket feed clients.
	FeedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agrimart_feed_clients",
		Help: "Number of connected feed clients",
	})

	// FeedDropped counts events dropped because the feed buffer was full.
	FeedDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agrimart_feed_dropped_total",
		Help: "Feed events dropped on a full buffer",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrimart_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agrimart_http_request_duration_seconds",
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

// routePattern labels by the matched chi route so listing IDs do not blow up
// label cardinality. Unmatched requests share one label.
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

// Hijack lets the feed upgrade connections through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

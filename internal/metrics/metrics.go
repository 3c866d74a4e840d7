// Package metrics provides Prometheus instrumentation for the match engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth tracks the number of waiting entries per channel and role.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "inhouse_queue_depth",
		Help: "Waiting entries per channel and role",
	}, []string{"channel", "role"})

	// EnqueuesTotal counts queue joins, partitioned by role.
	EnqueuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inhouse_enqueues_total",
		Help: "Total queue joins",
	}, []string{"role"})

	// ProposalsTotal counts ready checks by terminal outcome.
	ProposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inhouse_proposals_total",
		Help: "Ready checks by terminal outcome",
	}, []string{"outcome"})

	// ReadyCheckDuration tracks how long proposals take to resolve.
	ReadyCheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inhouse_ready_check_duration_seconds",
		Help:    "Time from proposal to terminal state in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 240},
	}, []string{"outcome"})

	// GamesScored counts scored games by winning side.
	GamesScored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inhouse_games_scored_total",
		Help: "Scored games by winning side",
	}, []string{"side"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "inhouse_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inhouse_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inhouse_http_request_duration_seconds",
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

		// Use the raw path for now; routes here are low-cardinality.
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

// Hijack passes through to the underlying writer so WebSocket upgrades
// work behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: underlying writer does not support hijacking")
	}
	return hj.Hijack()
}

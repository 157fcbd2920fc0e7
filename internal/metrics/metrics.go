// Package metrics provides Prometheus instrumentation for the quantum
// position engine.
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
	// PositionsCreated counts quantum positions opened, by market.
	PositionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashbets_positions_created_total",
		Help: "Total number of quantum positions created",
	}, []string{"market_id"})

	// MeasurementsTotal counts collapses, partitioned by what triggered
	// them (manual, decoherence, entangled).
	MeasurementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashbets_measurements_total",
		Help: "Total number of quantum measurements recorded",
	}, []string{"trigger"})

	// SuperposedPositions tracks positions still in superposition.
	SuperposedPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flashbets_superposed_positions",
		Help: "Number of positions currently superposed",
	})

	// SweepsTotal counts decoherence sweeper runs.
	SweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashbets_decoherence_sweeps_total",
		Help: "Total decoherence sweeps executed",
	})

	// SweepDuration tracks how long each decoherence sweep takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flashbets_decoherence_sweep_duration_seconds",
		Help:    "Decoherence sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// RiskCalculations counts portfolio-metrics computations, by result.
	RiskCalculations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashbets_risk_calculations_total",
		Help: "Total portfolio risk computations",
	}, []string{"partial"})

	// RiskCalcDuration tracks risk computation latency.
	RiskCalcDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flashbets_risk_calculation_duration_seconds",
		Help:    "Portfolio risk computation duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	})

	// LimitRejections counts positions rejected by the pre-trade limiter.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashbets_limit_rejections_total",
		Help: "Positions rejected by risk limits",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flashbets_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashbets_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flashbets_http_request_duration_seconds",
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

		// Use the request path for the label; route patterns keep the
		// id segments, so cardinality stays bounded per deployment.
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

// ABOUTME: Prometheus collectors and the JSON metrics snapshot for the gateway
// ABOUTME: Collectors live on a private registry so instances stay isolated

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/procure-gateway/internal/ratelimit"
)

// Metrics holds the gateway's prometheus collectors. All methods are safe
// for concurrent use. The zero value is not usable; construct with New.
type Metrics struct {
	registry *prometheus.Registry

	dispatches      *prometheus.CounterVec
	dispatchSeconds *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	goalRuns        *prometheus.CounterVec
	goalIterations  prometheus.Histogram
}

// New creates a Metrics with every collector registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procure_gateway_dispatches_total",
				Help: "RPC dispatches by caller, method and outcome",
			},
			[]string{"caller", "method", "outcome"},
		),
		dispatchSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "procure_gateway_dispatch_duration_seconds",
				Help: "Dispatch latency by method",
			},
			[]string{"method"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procure_gateway_requests_in_flight",
			Help: "HTTP requests currently being served",
		}),
		goalRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "procure_gateway_goal_runs_total",
				Help: "Finished goal runs by terminal status",
			},
			[]string{"status"},
		),
		goalIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "procure_gateway_goal_iterations",
			Help:    "Actions executed per goal run",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
	}
	m.registry.MustRegister(m.dispatches, m.dispatchSeconds, m.inFlight, m.goalRuns, m.goalIterations)
	return m
}

// ObserveDispatch records one RPC dispatch. outcome is "ok" or the error
// code name. Satisfies the dispatcher's Recorder interface.
func (m *Metrics) ObserveDispatch(caller, method, outcome string, elapsed time.Duration) {
	m.dispatches.WithLabelValues(caller, method, outcome).Inc()
	m.dispatchSeconds.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveGoalRun records one finished orchestrator run.
func (m *Metrics) ObserveGoalRun(status string, iterations int) {
	m.goalRuns.WithLabelValues(status).Inc()
	m.goalIterations.Observe(float64(iterations))
}

// TrackInFlight increments the in-flight gauge and returns the matching
// decrement for the caller to defer.
func (m *Metrics) TrackInFlight() func() {
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// Handler serves the prometheus text exposition for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot is the JSON body served by the /metrics endpoint.
type Snapshot struct {
	Timestamp   string                     `json:"timestamp"`
	Agents      map[string]ratelimit.Stats `json:"agents"`
	Services    []string                   `json:"services"`
	TotalAgents int                        `json:"total_agents"`
	RateLimiter LimiterInfo                `json:"rate_limiter"`
}

// LimiterInfo summarizes the limiter configuration inside a Snapshot.
type LimiterInfo struct {
	DefaultLimit int            `json:"default_limit"`
	CustomLimits map[string]int `json:"custom_limits"`
}

// BuildSnapshot assembles the JSON metrics view from the limiter's current
// windows plus the loaded service names and configured caller count.
func BuildSnapshot(limiter *ratelimit.Limiter, services []string, totalAgents int) Snapshot {
	return Snapshot{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Agents:      limiter.Snapshot(),
		Services:    services,
		TotalAgents: totalAgents,
		RateLimiter: LimiterInfo{
			DefaultLimit: limiter.DefaultLimit(),
			CustomLimits: limiter.CustomLimits(),
		},
	}
}

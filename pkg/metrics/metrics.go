package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent metrics
	AgentState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hutch_agent_state",
			Help: "Current connection state of the agent (0 = disconnected, 3 = operational)",
		},
	)

	AgentConnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hutch_agent_connect_attempts_total",
			Help: "Total number of attempts to reach the controller",
		},
	)

	HeartbeatsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_heartbeats_total",
			Help: "Total number of heartbeats by result",
		},
		[]string{"result"},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_commands_total",
			Help: "Total number of commands handled by kind and result",
		},
		[]string{"kind", "result"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_command_duration_seconds",
			Help:    "Time taken to handle a command in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Controller metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_nodes_total",
			Help: "Total number of registered nodes by phase",
		},
		[]string{"phase"},
	)

	PodsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hutch_pods_total",
			Help: "Total number of pods known to the controller by phase",
		},
		[]string{"phase"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_api_requests_total",
			Help: "Total number of admin API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Compose metrics
	ComposeOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hutch_compose_operations_total",
			Help: "Total number of compose operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	ComposeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hutch_compose_duration_seconds",
			Help:    "Compose operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(AgentState)
	prometheus.MustRegister(AgentConnectAttempts)
	prometheus.MustRegister(HeartbeatsSent)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(PodsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ComposeOperations)
	prometheus.MustRegister(ComposeDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result labels an outcome for counters
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in a histogram vector
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

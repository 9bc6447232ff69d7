package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marinabox"

type moduleMetrics struct {
	sessionCreateTotal    *prometheus.CounterVec
	sessionCreateDuration *prometheus.HistogramVec
	sessionStopTotal      *prometheus.CounterVec
	sessionStopDuration   prometheus.Histogram
	sessionsReconciled    prometheus.Counter
	activeSessions        prometheus.Gauge

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	modelTokensTotal  *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	agentRunTotal      *prometheus.CounterVec
	agentRunDuration   *prometheus.HistogramVec
	agentRunIterations prometheus.Histogram
	runQueueWait       prometheus.Histogram
	runsWaiting        prometheus.Gauge

	rpcRequestsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			sessionCreateTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_create_total",
					Help:      "Total session create attempts by env type and status.",
				},
				[]string{"env_type", "status"},
			),
			sessionCreateDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_create_duration_seconds",
					Help:      "Session create duration in seconds by env type.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"env_type"},
			),
			sessionStopTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_stop_total",
					Help:      "Total session stops by status.",
				},
				[]string{"status"},
			),
			sessionStopDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_stop_duration_seconds",
					Help:      "Session stop duration in seconds, including recording finalization.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			sessionsReconciled: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "sessions_reconciled_total",
					Help:      "Sessions archived because their container was gone.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Current active session count.",
				},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_call_total",
					Help:      "Total model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "model_call_duration_seconds",
					Help:      "Model call duration in seconds by provider.",
					Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
				},
				[]string{"provider"},
			),
			modelTokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_tokens_total",
					Help:      "Total tokens by provider and direction.",
				},
				[]string{"provider", "direction"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_errors_total",
					Help:      "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_run_total",
					Help:      "Total agent runs by provider and final state.",
				},
				[]string{"provider", "state"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_duration_seconds",
					Help:      "Agent run duration in seconds by provider.",
					Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
				},
				[]string{"provider"},
			),
			agentRunIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_iterations",
					Help:      "Model calls per agent run.",
					Buckets:   prometheus.LinearBuckets(1, 2, 15),
				},
			),
			runQueueWait: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "agent_run_queue_wait_seconds",
					Help:      "Time an agent run waited for an earlier run on the same session.",
					Buckets:   []float64{0.01, 0.1, 1, 5, 15, 30, 60, 120, 300},
				},
			),
			runsWaiting: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "agent_runs_waiting",
					Help:      "Agent runs queued behind another run on the same session.",
				},
			),
			rpcRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "rpc_requests_total",
					Help:      "Gateway RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
		}

		prometheus.MustRegister(
			m.sessionCreateTotal,
			m.sessionCreateDuration,
			m.sessionStopTotal,
			m.sessionStopDuration,
			m.sessionsReconciled,
			m.activeSessions,
			m.modelCallTotal,
			m.modelCallDuration,
			m.modelTokensTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentRunIterations,
			m.runQueueWait,
			m.runsWaiting,
			m.rpcRequestsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordSessionCreate(envType string, duration time.Duration, success bool) {
	m := getMetrics()
	m.sessionCreateTotal.WithLabelValues(envType, status(success)).Inc()
	m.sessionCreateDuration.WithLabelValues(envType).Observe(duration.Seconds())
}

func RecordSessionStop(duration time.Duration, success bool) {
	m := getMetrics()
	m.sessionStopTotal.WithLabelValues(status(success)).Inc()
	m.sessionStopDuration.Observe(duration.Seconds())
}

func RecordSessionsReconciled(count int) {
	getMetrics().sessionsReconciled.Add(float64(count))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordModelCall(provider string, duration time.Duration, success bool, inputTokens, outputTokens int) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(provider, status(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if inputTokens > 0 {
		m.modelTokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.modelTokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordAgentRun(provider, state string, duration time.Duration, iterations int) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(provider, state).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
	m.agentRunIterations.Observe(float64(iterations))
}

func RecordRPCRequest(method string, success bool) {
	getMetrics().rpcRequestsTotal.WithLabelValues(method, status(success)).Inc()
}

func RecordRunQueueWait(wait time.Duration) {
	getMetrics().runQueueWait.Observe(wait.Seconds())
}

func SetRunsWaiting(count int) {
	getMetrics().runsWaiting.Set(float64(count))
}

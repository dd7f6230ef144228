package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeRuns prometheus.Gauge

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	turnTotal        *prometheus.CounterVec

	transportRequestTotal    *prometheus.CounterVec
	transportRequestDuration *prometheus.HistogramVec
	transportTokensTotal     *prometheus.CounterVec

	cacheInvalidationTotal *prometheus.CounterVec
	hookErrorsTotal        *prometheus.CounterVec

	gatewayRequestTotal    *prometheus.CounterVec
	gatewayRequestDuration *prometheus.HistogramVec
	gatewayRejectedTotal   *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "turnloop_queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turnloop_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turnloop_dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turnloop_task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "turnloop_active_runs",
					Help: "Agent runs currently in progress.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turnloop_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turnloop_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turnloop_agent_run_total",
					Help: "Total agent runs by provider and final stop reason.",
				},
				[]string{"provider", "stop_reason"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turnloop_agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turnloop_turn_total",
					Help: "Total turns by provider and stop reason.",
				},
				[]string{"provider", "stop_reason"},
			),
			transportRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turnloop_transport_request_total",
					Help: "Total model requests by provider, model and stop reason.",
				},
				[]string{"provider", "model", "stop_reason"},
			),
			transportRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turnloop_transport_request_duration_seconds",
					Help:    "Model request duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			transportTokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turnloop_transport_tokens_total",
					Help: "Total tokens by provider and direction.",
				},
				[]string{"provider", "direction"},
			),
			cacheInvalidationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turnloop_cache_invalidation_total",
					Help: "Total context patches that invalidated the prompt cache, by source.",
				},
				[]string{"source"},
			),
			hookErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turnloop_hook_errors_total",
					Help: "Total hook failures by hook.",
				},
				[]string{"hook"},
			),
			gatewayRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turnloop_gateway_request_total",
					Help: "Total gateway RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
			gatewayRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turnloop_gateway_request_duration_seconds",
					Help:    "Gateway RPC handler duration by method.",
					Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
				},
				[]string{"method"},
			),
			gatewayRejectedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turnloop_gateway_rejected_total",
					Help: "Gateway requests refused before dispatch, by reason.",
				},
				[]string{"reason"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeRuns,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.agentRunTotal,
			m.agentRunDuration,
			m.turnTotal,
			m.transportRequestTotal,
			m.transportRequestDuration,
			m.transportTokensTotal,
			m.cacheInvalidationTotal,
			m.hookErrorsTotal,
			m.gatewayRequestTotal,
			m.gatewayRequestDuration,
			m.gatewayRejectedTotal,
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

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordToolExecution counts a settled tool call. status is one of success,
// error, denied, skipped or aborted.
func RecordToolExecution(tool string, duration time.Duration, status string) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RunStarted marks an agent run as active.
func RunStarted() {
	getMetrics().activeRuns.Inc()
}

func RecordAgentRun(provider string, duration time.Duration, stopReason string) {
	m := getMetrics()
	m.activeRuns.Dec()
	m.agentRunTotal.WithLabelValues(provider, stopReason).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordTurn(provider, stopReason string) {
	getMetrics().turnTotal.WithLabelValues(provider, stopReason).Inc()
}

func RecordTransportRequest(provider, model, stopReason string, duration time.Duration, inputTokens, outputTokens int) {
	m := getMetrics()
	m.transportRequestTotal.WithLabelValues(provider, model, stopReason).Inc()
	m.transportRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if inputTokens > 0 {
		m.transportTokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.transportTokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func RecordCacheInvalidation(source string) {
	getMetrics().cacheInvalidationTotal.WithLabelValues(source).Inc()
}

func RecordHookError(hook string) {
	getMetrics().hookErrorsTotal.WithLabelValues(hook).Inc()
}

// RecordGatewayRequest counts a dispatched RPC. status is ok, error or replayed.
func RecordGatewayRequest(method, status string, duration time.Duration) {
	m := getMetrics()
	m.gatewayRequestTotal.WithLabelValues(method, status).Inc()
	m.gatewayRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RecordGatewayRejected(reason string) {
	getMetrics().gatewayRejectedTotal.WithLabelValues(reason).Inc()
}

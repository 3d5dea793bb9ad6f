package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	dispatchBatchTotal    *prometheus.CounterVec
	dispatchBatchDuration *prometheus.HistogramVec
	dispatchBatchSize     prometheus.Histogram

	recorderAppendsTotal   prometheus.Counter
	recorderFlushTotal     *prometheus.CounterVec
	recorderFlushDuration  prometheus.Histogram
	recorderBufferedSteps  prometheus.Gauge
	recorderPersistedSteps prometheus.Gauge
	recorderFlushEpisodes  prometheus.Counter

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec

	agentStepTotal *prometheus.CounterVec
	agentRunTotal  *prometheus.CounterVec

	gatewayClients prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			dispatchBatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatch_batch_total",
					Help: "Total dispatched tool call batches by mode and status.",
				},
				[]string{"mode", "status"},
			),
			dispatchBatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "dispatch_batch_duration_seconds",
					Help:    "Batch dispatch duration in seconds by mode.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"mode"},
			),
			dispatchBatchSize: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "dispatch_batch_size",
					Help:    "Number of tool calls per dispatched batch.",
					Buckets: []float64{1, 2, 4, 8, 16, 32},
				},
			),
			recorderAppendsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "recorder_appends_total",
					Help: "Total steps appended to the trajectory recorder.",
				},
			),
			recorderFlushTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "recorder_flush_total",
					Help: "Total recorder flushes by status.",
				},
				[]string{"status"},
			),
			recorderFlushDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "recorder_flush_duration_seconds",
					Help:    "Recorder flush duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			recorderBufferedSteps: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "recorder_buffered_steps",
					Help: "Steps buffered in memory awaiting flush.",
				},
			),
			recorderPersistedSteps: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "recorder_persisted_steps",
					Help: "Steps durably persisted to the trajectory file.",
				},
			),
			recorderFlushEpisodes: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "recorder_flush_failure_episodes_total",
					Help: "Distinct recorder flush failure episodes.",
				},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_call_total",
					Help: "Total model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "model_call_duration_seconds",
					Help:    "Model call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			agentStepTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_step_total",
					Help: "Total agent loop steps by status.",
				},
				[]string{"status"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by termination reason.",
				},
				[]string{"reason"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_clients",
					Help: "Connected gateway stream clients.",
				},
			),
		}

		prometheus.MustRegister(
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.dispatchBatchTotal,
			m.dispatchBatchDuration,
			m.dispatchBatchSize,
			m.recorderAppendsTotal,
			m.recorderFlushTotal,
			m.recorderFlushDuration,
			m.recorderBufferedSteps,
			m.recorderPersistedSteps,
			m.recorderFlushEpisodes,
			m.modelCallTotal,
			m.modelCallDuration,
			m.agentStepTotal,
			m.agentRunTotal,
			m.gatewayClients,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the promhttp handler for the process registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordDispatchBatch(mode string, size int, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dispatchBatchTotal.WithLabelValues(mode, status).Inc()
	m.dispatchBatchDuration.WithLabelValues(mode).Observe(duration.Seconds())
	m.dispatchBatchSize.Observe(float64(size))
}

func RecordRecorderAppend(buffered int) {
	m := getMetrics()
	m.recorderAppendsTotal.Inc()
	m.recorderBufferedSteps.Set(float64(buffered))
}

func RecordRecorderFlush(duration time.Duration, persisted int, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.recorderFlushTotal.WithLabelValues(status).Inc()
	m.recorderFlushDuration.Observe(duration.Seconds())
	if success {
		m.recorderPersistedSteps.Set(float64(persisted))
	}
}

func RecordRecorderFlushFailureEpisode() {
	getMetrics().recorderFlushEpisodes.Inc()
}

func SetRecorderBufferedSteps(buffered int) {
	getMetrics().recorderBufferedSteps.Set(float64(buffered))
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelCallTotal.WithLabelValues(provider, status).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordAgentStep(success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().agentStepTotal.WithLabelValues(status).Inc()
}

func RecordAgentRun(reason string) {
	getMetrics().agentRunTotal.WithLabelValues(reason).Inc()
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}

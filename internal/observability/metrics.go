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
	taskDuration *prometheus.HistogramVec

	runTotal       *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	runIterations  prometheus.Histogram
	eventsEmitted  *prometheus.CounterVec
	backendCalls   *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	agentCacheLookups   *prometheus.CounterVec
	agentCacheBuilds    *prometheus.CounterVec
	agentCacheEvictions prometheus.Counter
	agentCacheSize      prometheus.Gauge

	activeSessions      prometheus.Gauge
	sessionSaveDuration prometheus.Histogram

	knowledgeSearchDuration prometheus.Histogram
	knowledgeSyncDuration   prometheus.Histogram
	knowledgeChunks         prometheus.Gauge

	gatewayConnections prometheus.Gauge
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
					Name: "ctxlab_queue_size",
					Help: "Pending runs per session lane.",
				},
				[]string{"lane"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ctxlab_queue_task_duration_seconds",
					Help:    "Time a queued task held its lane, in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ctxlab_run_total",
					Help: "Agentic loop runs by model and outcome.",
				},
				[]string{"model", "outcome"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ctxlab_run_duration_seconds",
					Help:    "Agentic loop run duration in seconds by model.",
					Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
				},
				[]string{"model"},
			),
			runIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ctxlab_run_iterations",
					Help:    "Tool-bearing inference iterations per run.",
					Buckets: []float64{0, 1, 2, 3, 5, 8, 10},
				},
			),
			eventsEmitted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ctxlab_events_emitted_total",
					Help: "Protocol events emitted by type.",
				},
				[]string{"type"},
			),
			backendCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ctxlab_backend_calls_total",
					Help: "Inference backend calls by provider, mode and status.",
				},
				[]string{"provider", "mode", "status"},
			),
			backendLatency: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ctxlab_backend_call_duration_seconds",
					Help:    "Inference backend call duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider", "mode"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ctxlab_tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ctxlab_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			agentCacheLookups: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ctxlab_agent_cache_lookups_total",
					Help: "Agent cache lookups by result (hit, miss, shared).",
				},
				[]string{"result"},
			),
			agentCacheBuilds: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ctxlab_agent_cache_builds_total",
					Help: "Agent constructions by status.",
				},
				[]string{"status"},
			),
			agentCacheEvictions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "ctxlab_agent_cache_evictions_total",
					Help: "Agents evicted from a bounded cache.",
				},
			),
			agentCacheSize: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "ctxlab_agent_cache_size",
					Help: "Agents currently cached.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "ctxlab_active_sessions",
					Help: "Current session count.",
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ctxlab_session_save_duration_seconds",
					Help:    "Session turn append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			knowledgeSearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ctxlab_knowledge_search_duration_seconds",
					Help:    "Knowledge base search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			knowledgeSyncDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ctxlab_knowledge_sync_duration_seconds",
					Help:    "Knowledge base sync duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			knowledgeChunks: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "ctxlab_knowledge_chunks",
					Help: "Chunks indexed in the knowledge base.",
				},
			),
			gatewayConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "ctxlab_gateway_connections",
					Help: "Open WebSocket connections.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.taskDuration,
			m.runTotal,
			m.runDuration,
			m.runIterations,
			m.eventsEmitted,
			m.backendCalls,
			m.backendLatency,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.agentCacheLookups,
			m.agentCacheBuilds,
			m.agentCacheEvictions,
			m.agentCacheSize,
			m.activeSessions,
			m.sessionSaveDuration,
			m.knowledgeSearchDuration,
			m.knowledgeSyncDuration,
			m.knowledgeChunks,
			m.gatewayConnections,
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

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func SetQueueSize(lane string, size int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(size))
}

func RecordQueueCompletion(duration time.Duration, success bool) {
	getMetrics().taskDuration.WithLabelValues(statusLabel(success)).Observe(duration.Seconds())
}

// RecordRun records a finished run. outcome is "complete", "error" or "cancelled".
func RecordRun(model, outcome string, duration time.Duration, iterations int) {
	m := getMetrics()
	m.runTotal.WithLabelValues(model, outcome).Inc()
	m.runDuration.WithLabelValues(model).Observe(duration.Seconds())
	m.runIterations.Observe(float64(iterations))
}

func RecordEvent(eventType string) {
	getMetrics().eventsEmitted.WithLabelValues(eventType).Inc()
}

func RecordBackendCall(provider, mode string, duration time.Duration, success bool) {
	m := getMetrics()
	m.backendCalls.WithLabelValues(provider, mode, statusLabel(success)).Inc()
	m.backendLatency.WithLabelValues(provider, mode).Observe(duration.Seconds())
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordAgentCacheLookup(result string) {
	getMetrics().agentCacheLookups.WithLabelValues(result).Inc()
}

func RecordAgentBuild(success bool) {
	getMetrics().agentCacheBuilds.WithLabelValues(statusLabel(success)).Inc()
}

func RecordAgentEviction() {
	getMetrics().agentCacheEvictions.Inc()
}

func SetAgentCacheSize(n int) {
	getMetrics().agentCacheSize.Set(float64(n))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordKnowledgeSearch(duration time.Duration) {
	getMetrics().knowledgeSearchDuration.Observe(duration.Seconds())
}

func RecordKnowledgeSync(duration time.Duration) {
	getMetrics().knowledgeSyncDuration.Observe(duration.Seconds())
}

func SetKnowledgeChunks(total int) {
	getMetrics().knowledgeChunks.Set(float64(total))
}

func SetGatewayConnections(n int) {
	getMetrics().gatewayConnections.Set(float64(n))
}

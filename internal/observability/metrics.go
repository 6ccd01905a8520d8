package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - LLM request latency and outcome per provider and model
//   - Tool execution patterns and latencies
//   - Live session and connection counts
//   - History cache effectiveness and write failures
//
// A nil *Metrics is valid and records nothing, so components can be built
// without metrics in tests.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordToolExecution("create_goal", "success", time.Since(start).Seconds())
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider (anthropic|openai), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error category)
	LLMRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (gateway|agent|cache|storage), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions tracks live sessions.
	// Labels: kind (authenticated|ephemeral)
	ActiveSessions *prometheus.GaugeVec

	// SessionDuration measures session lifetime in seconds.
	// Labels: kind, close_reason
	SessionDuration *prometheus.HistogramVec

	// ActiveConnections is the number of connections in the registry.
	ActiveConnections prometheus.Gauge

	// FrameCounter counts inbound frames.
	// Labels: type (message|ping|invalid|unknown)
	FrameCounter *prometheus.CounterVec

	// CacheLookups counts history cache reads.
	// Labels: result (hit|miss|error)
	CacheLookups *prometheus.CounterVec

	// CacheWriteErrors counts swallowed cache write failures.
	// Labels: operation (set|append|clear)
	CacheWriteErrors *prometheus.CounterVec

	// JanitorDeletions counts ephemeral owners removed by the sweeper.
	JanitorDeletions prometheus.Counter
}

// NewMetrics creates and registers all metrics with reg. A nil reg uses the
// Prometheus default registerer, which should only happen once per process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "goalchat_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goalchat_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goalchat_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "goalchat_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goalchat_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "goalchat_active_sessions",
				Help: "Current number of live sessions by kind",
			},
			[]string{"kind"},
		),

		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "goalchat_session_duration_seconds",
				Help:    "Duration of sessions in seconds",
				Buckets: []float64{1, 10, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"kind", "close_reason"},
		),

		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goalchat_active_connections",
				Help: "Current number of registered connections",
			},
		),

		FrameCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goalchat_frames_total",
				Help: "Total number of inbound frames by type",
			},
			[]string{"type"},
		),

		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goalchat_history_cache_lookups_total",
				Help: "History cache reads by result",
			},
			[]string{"result"},
		),

		CacheWriteErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goalchat_history_cache_write_errors_total",
				Help: "History cache write failures that were logged and ignored",
			},
			[]string{"operation"},
		),

		JanitorDeletions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "goalchat_janitor_deleted_owners_total",
				Help: "Ephemeral owners deleted by the background sweep",
			},
		),
	}
}

// RecordLLMRequest records one gateway call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a given component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted(kind string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(kind).Inc()
}

// SessionEnded decrements the active sessions gauge and records the session duration.
func (m *Metrics) SessionEnded(kind, reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(kind).Dec()
	m.SessionDuration.WithLabelValues(kind, reason).Observe(durationSeconds)
}

// ConnectionsChanged adds delta to the registered connection gauge.
func (m *Metrics) ConnectionsChanged(delta int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(float64(delta))
}

// FrameReceived counts one inbound frame.
func (m *Metrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.FrameCounter.WithLabelValues(frameType).Inc()
}

// CacheLookup counts one cache read.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// CacheWriteFailed counts one swallowed cache write failure.
func (m *Metrics) CacheWriteFailed(operation string) {
	if m == nil {
		return
	}
	m.CacheWriteErrors.WithLabelValues(operation).Inc()
}

// OwnersSwept counts ephemeral owners removed by the janitor.
func (m *Metrics) OwnersSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.JanitorDeletions.Add(float64(n))
}

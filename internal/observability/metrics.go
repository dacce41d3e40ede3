package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application
// metrics.
//
// Built on Prometheus, tracking:
//   - Voice WebSocket sessions and frame flow
//   - Turn outcomes per agent
//   - LLM streaming performance and stream errors
//   - Tool invocation patterns and latencies
//   - Speech flush behavior and graceful reconnects
//   - Managed-AV session counts
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.FrameReceived("prompt")
//	defer metrics.LLMRequestDuration.WithLabelValues("anthropic", model).Observe(time.Since(start).Seconds())
type Metrics struct {
	// ActiveVoiceSessions is a gauge of currently connected telephony
	// WebSocket sessions.
	ActiveVoiceSessions prometheus.Gauge

	// FrameCounter tracks WebSocket frames by direction and type.
	// Labels: direction (inbound|outbound), type (setup|prompt|text|...)
	FrameCounter *prometheus.CounterVec

	// TurnCounter counts completed turns by agent and outcome.
	// Labels: agent, outcome (complete|interrupted|error)
	TurnCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM streaming call latency in seconds.
	// Labels: provider (anthropic|openai), model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMStreamErrors counts terminal stream errors.
	// Labels: provider, kind (transient|timeout|cancelled|fatal)
	LLMStreamErrors *prometheus.CounterVec

	// LLMBackupRetries counts transparent backup-model retries.
	// Labels: primary, backup
	LLMBackupRetries *prometheus.CounterVec

	// ToolInvocationCounter counts tool invocations.
	// Labels: tool, status (succeeded|failed|cancelled|timeout|invalid_args|disabled|rate_limited)
	ToolInvocationCounter *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolDuration *prometheus.HistogramVec

	// SpeechFlushes counts text flushed to the gateway by trigger.
	// Labels: reason (sentence|pre_tool|turn_end|timer)
	SpeechFlushes *prometheus.CounterVec

	// Reconnects counts graceful 4000-close reconnection cycles.
	Reconnects prometheus.Counter

	// CallDuration measures telephony call lifetime in seconds.
	// Buckets: 30s, 60s, 300s, 600s, 1800s, 3300s, 3600s
	CallDuration prometheus.Histogram

	// ActiveManagedSessions is a gauge of live managed-AV sessions.
	ActiveManagedSessions prometheus.Gauge

	// ErrorCounter tracks errors by component and error type.
	// Labels: component (session|llm|tools|mobile|archive), error_type
	ErrorCounter *prometheus.CounterVec

	// BuildInfo carries version metadata as constant labels.
	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at startup; collectors surface on /metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveVoiceSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ringdown_ws_sessions_active",
				Help: "Current number of connected telephony WebSocket sessions",
			},
		),

		FrameCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringdown_ws_frames_total",
				Help: "Total WebSocket frames by direction and type",
			},
			[]string{"direction", "type"},
		),

		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringdown_turns_total",
				Help: "Total conversation turns by agent and outcome",
			},
			[]string{"agent", "outcome"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ringdown_llm_request_duration_seconds",
				Help:    "Duration of LLM streaming requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMStreamErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringdown_llm_stream_errors_total",
				Help: "Total terminal LLM stream errors by provider and kind",
			},
			[]string{"provider", "kind"},
		),

		LLMBackupRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringdown_llm_backup_retries_total",
				Help: "Total transparent retries on the backup model",
			},
			[]string{"primary", "backup"},
		),

		ToolInvocationCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringdown_tool_invocations_total",
				Help: "Total tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ringdown_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		SpeechFlushes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringdown_speech_flushes_total",
				Help: "Total speech flushes to the gateway by trigger reason",
			},
			[]string{"reason"},
		),

		Reconnects: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ringdown_reconnects_total",
				Help: "Total graceful reconnection cycles (close code 4000)",
			},
		),

		CallDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ringdown_call_duration_seconds",
				Help:    "Telephony call lifetime in seconds",
				Buckets: []float64{30, 60, 300, 600, 1800, 3300, 3600},
			},
		),

		ActiveManagedSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ringdown_managed_sessions_active",
				Help: "Current number of live managed-AV sessions",
			},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ringdown_errors_total",
				Help: "Total errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		BuildInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ringdown_build_info",
				Help: "Build metadata (value is always 1)",
			},
			[]string{"version", "commit"},
		),
	}
}

// FrameReceived increments the inbound frame counter.
func (m *Metrics) FrameReceived(frameType string) {
	m.FrameCounter.WithLabelValues("inbound", frameType).Inc()
}

// FrameSent increments the outbound frame counter.
func (m *Metrics) FrameSent(frameType string) {
	m.FrameCounter.WithLabelValues("outbound", frameType).Inc()
}

// RecordTurn records a completed turn for an agent.
func (m *Metrics) RecordTurn(agent, outcome string) {
	m.TurnCounter.WithLabelValues(agent, outcome).Inc()
}

// RecordToolInvocation records a tool invocation outcome and duration.
func (m *Metrics) RecordToolInvocation(tool, status string, durationSeconds float64) {
	m.ToolInvocationCounter.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordLLMStream records the duration of one model stream and, for any
// outcome other than "complete", counts it as a terminal stream error.
func (m *Metrics) RecordLLMStream(provider, model, outcome string, durationSeconds float64) {
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if outcome != "complete" {
		m.LLMStreamErrors.WithLabelValues(provider, outcome).Inc()
	}
}

// RecordLLMRetry counts one transparent backup-model retry.
func (m *Metrics) RecordLLMRetry(primary, backup string) {
	m.LLMBackupRetries.WithLabelValues(primary, backup).Inc()
}

// RecordFlush records one speech flush with its trigger reason.
func (m *Metrics) RecordFlush(reason string) {
	m.SpeechFlushes.WithLabelValues(reason).Inc()
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordReconnect counts one graceful 4000-close reconnection cycle.
func (m *Metrics) RecordReconnect() {
	m.Reconnects.Inc()
}

// ManagedSessionOpened increments the live managed-AV session gauge.
func (m *Metrics) ManagedSessionOpened() {
	m.ActiveManagedSessions.Inc()
}

// ManagedSessionClosed decrements the live managed-AV session gauge.
func (m *Metrics) ManagedSessionClosed() {
	m.ActiveManagedSessions.Dec()
}

// VoiceSessionStarted increments the live WS session gauge.
func (m *Metrics) VoiceSessionStarted() {
	m.ActiveVoiceSessions.Inc()
}

// VoiceSessionEnded decrements the live WS session gauge and records the
// call duration.
func (m *Metrics) VoiceSessionEnded(durationSeconds float64) {
	m.ActiveVoiceSessions.Dec()
	m.CallDuration.Observe(durationSeconds)
}

// SetBuildInfo publishes build metadata.
func (m *Metrics) SetBuildInfo(version, commit string) {
	m.BuildInfo.WithLabelValues(version, commit).Set(1)
}

// Package observability bundles the logging, metrics, and tracing stack.
//
// The three pillars share one configuration surface and are constructed once
// at startup:
//
//	logger := observability.MustNewLogger(observability.LogConfig{Level: "info"})
//	metrics := observability.NewMetrics()
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{Endpoint: endpoint})
//	defer shutdown(ctx)
//
// Log records carry call correlation (call_sid, caller_id, session_id) pulled
// from context values, and secrets are redacted before emission.
package observability

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ringdown/ringdown/pkg/models"
)

// EventType discriminates stream events.
type EventType string

const (
	// EventTextDelta carries an incremental piece of assistant text.
	EventTextDelta EventType = "text_delta"

	// EventToolCallRequest carries one fully-accumulated tool call.
	EventToolCallRequest EventType = "tool_call_request"

	// EventTurnComplete is the successful terminal event.
	EventTurnComplete EventType = "turn_complete"

	// EventStreamError is the failed terminal event.
	EventStreamError EventType = "stream_error"
)

// Event is one element of a model stream. Exactly one terminal event
// (TurnComplete or StreamError) ends every stream, and events arrive in
// model order.
type Event struct {
	Type EventType

	// Text is set for EventTextDelta.
	Text string

	// ToolCall is set for EventToolCallRequest. Arguments are complete,
	// accumulated from partial JSON fragments by the provider.
	ToolCall *models.ToolCall

	// StopReason, InputTokens and OutputTokens are set for
	// EventTurnComplete when the provider reports them.
	StopReason   string
	InputTokens  int
	OutputTokens int

	// Err is set for EventStreamError.
	Err *StreamError
}

// ErrorKind categorizes terminal stream failures.
type ErrorKind string

const (
	// KindTransient covers retryable upstream failures: 5xx responses and
	// connection errors. A transient failure before the first delta
	// triggers the backup-model retry.
	KindTransient ErrorKind = "transient"

	// KindTimeout covers first-token and inter-token watchdog expiry.
	KindTimeout ErrorKind = "timeout"

	// KindCancelled covers caller barge-in and session shutdown.
	KindCancelled ErrorKind = "cancelled"

	// KindRateLimited covers 429 responses.
	KindRateLimited ErrorKind = "rate_limited"

	// KindFatal covers everything that retrying cannot fix: auth, billing,
	// malformed requests, unknown models.
	KindFatal ErrorKind = "fatal"
)

// StreamError is the terminal failure of one model stream.
type StreamError struct {
	Kind     ErrorKind
	Provider string
	Model    string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[llm:%s]", e.Kind))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// NewStreamError builds a classified StreamError from a provider failure.
func NewStreamError(provider, model string, cause error) *StreamError {
	e := &StreamError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Kind:     KindFatal,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Kind = Classify(cause)
	}
	return e
}

// Classify maps an arbitrary provider error onto an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindFatal
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "etimedout") {
		return KindTimeout
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return KindRateLimited
	}

	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") {
		return KindFatal
	}

	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "unexpected eof") {
		return KindTransient
	}

	return KindFatal
}

// classifyStatus maps an HTTP status onto an ErrorKind, used when a provider
// surfaces the status code directly.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 500:
		return KindTransient
	case status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusPaymentRequired,
		status == http.StatusBadRequest,
		status == http.StatusNotFound:
		return KindFatal
	default:
		return KindFatal
	}
}

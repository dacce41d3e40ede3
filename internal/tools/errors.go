package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for registry operations.
var (
	// ErrDuplicateTool indicates a tool name is already registered.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrUnknownTool indicates the requested tool is not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvocationTimeout indicates a tool exceeded its execution deadline.
	ErrInvocationTimeout = errors.New("tool execution timed out")
)

// ErrorType categorizes tool invocation failures. Every failure surfaces to
// the model as a structured result payload rather than aborting the call, so
// the type doubles as the wire-level "error" discriminator.
type ErrorType string

const (
	// ErrorInvalidArgs indicates the arguments failed schema validation or
	// the tool name is unknown.
	ErrorInvalidArgs ErrorType = "invalid_args"

	// ErrorTimeout indicates the tool exceeded its execution deadline.
	ErrorTimeout ErrorType = "timeout"

	// ErrorCancelled indicates the invocation was cancelled, typically by
	// caller barge-in or session shutdown.
	ErrorCancelled ErrorType = "cancelled"

	// ErrorDisabled indicates the tool's external integration is not
	// configured in this deployment.
	ErrorDisabled ErrorType = "integration_disabled"

	// ErrorRateLimited indicates an upstream provider rejected the call
	// due to rate limiting.
	ErrorRateLimited ErrorType = "rate_limited"

	// ErrorTransient indicates a retryable upstream failure such as a
	// network error or 5xx response.
	ErrorTransient ErrorType = "transient"

	// ErrorInternal indicates a tool bug: a panic or an unclassified
	// execution failure.
	ErrorInternal ErrorType = "internal"
)

// IsRetryable reports whether retrying the invocation may succeed.
func (t ErrorType) IsRetryable() bool {
	switch t {
	case ErrorTimeout, ErrorRateLimited, ErrorTransient:
		return true
	default:
		return false
	}
}

// Error is a structured tool invocation failure. It carries enough context
// to log the failure and to render the result payload handed back to the
// model.
type Error struct {
	// Type categorizes the failure.
	Type ErrorType

	// Tool is the name of the tool that failed.
	Tool string

	// ToolCallID correlates the failure with the model's tool call.
	ToolCallID string

	// Message is the human-readable failure description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[tool:%s]", e.Type))
	if e.Tool != "" {
		parts = append(parts, e.Tool)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an Error for the named tool, classifying the cause.
func NewError(tool string, cause error) *Error {
	e := &Error{
		Tool:  tool,
		Cause: cause,
		Type:  ErrorInternal,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Type = classify(cause)
	}
	return e
}

// WithType overrides the error type.
func (e *Error) WithType(t ErrorType) *Error {
	e.Type = t
	return e
}

// WithToolCallID sets the tool call ID for correlation.
func (e *Error) WithToolCallID(id string) *Error {
	e.ToolCallID = id
	return e
}

// WithMessage sets a custom human-readable message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// Payload renders the failure as the JSON result payload handed back to the
// model. Disabled integrations and cancellations have distinguished shapes
// the conversation loop and downstream prompts rely on.
func (e *Error) Payload() json.RawMessage {
	switch e.Type {
	case ErrorDisabled:
		return json.RawMessage(`{"ok":false,"disabled":true,"reason":"integration_disabled"}`)
	case ErrorCancelled:
		return json.RawMessage(`{"ok":false,"cancelled":true,"message":"cancelled"}`)
	default:
		body := struct {
			OK      bool   `json:"ok"`
			Error   string `json:"error"`
			Message string `json:"message,omitempty"`
		}{OK: false, Error: string(e.Type), Message: e.Message}
		raw, err := json.Marshal(body)
		if err != nil {
			return json.RawMessage(`{"ok":false,"error":"internal"}`)
		}
		return raw
	}
}

// classify determines the error type from the error content.
func classify(err error) ErrorType {
	if err == nil {
		return ErrorInternal
	}

	if errors.Is(err, ErrUnknownTool) {
		return ErrorInvalidArgs
	}
	if errors.Is(err, ErrInvocationTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCancelled
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") {
		return ErrorTimeout
	}

	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return ErrorRateLimited
	}

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "unreachable") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "502") {
		return ErrorTransient
	}

	if strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "validation") ||
		strings.Contains(errStr, "required") ||
		strings.Contains(errStr, "missing") {
		return ErrorInvalidArgs
	}

	return ErrorInternal
}

// AsError extracts an *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var toolErr *Error
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// Disabled builds an integration-disabled error for a tool whose external
// dependency is not configured.
func Disabled(tool, reason string) *Error {
	return &Error{
		Type:    ErrorDisabled,
		Tool:    tool,
		Message: reason,
	}
}

// InvalidArgs builds a validation error with the given message.
func InvalidArgs(tool, msg string) *Error {
	return &Error{
		Type:    ErrorInvalidArgs,
		Tool:    tool,
		Message: msg,
	}
}

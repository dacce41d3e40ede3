package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ringdown/ringdown/pkg/models"
)

// DefaultTimeout bounds tool execution when a Spec does not set its own.
const DefaultTimeout = 30 * time.Second

// CancelGrace is how long a cancelled tool gets to return before its
// goroutine is logged as leaked.
const CancelGrace = 1500 * time.Millisecond

// Handler executes a tool call. The raw arguments have already passed schema
// validation, so handlers may unmarshal into their typed args without
// re-checking shape. Handlers must honor ctx cancellation and return within
// CancelGrace once ctx is done.
//
// A nil result with a nil error is treated as {"ok":true}.
type Handler func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error)

// Spec describes a tool at registration time.
//
// Args is a prototype of the tool's argument struct (e.g. SendEmailArgs{});
// the registry reflects a JSON Schema from it once at registration and
// validates every invocation against the compiled schema.
type Spec struct {
	// Name is the function-calling identifier. Must be unique per registry.
	Name string

	// Description tells the model what the tool does and when to use it.
	Description string

	// PromptBlurb is a one-line usage hint woven into agent system prompts
	// in place of the {ToolPrompts} token. Empty means the tool adds no
	// prompt text.
	PromptBlurb string

	// Args is the argument struct prototype used for schema generation.
	// A nil Args registers a tool that accepts an empty object.
	Args any

	// Timeout bounds a single execution. Zero means DefaultTimeout.
	Timeout time.Duration

	// Narration, when non-empty, is spoken to the caller as a running
	// status line at the start of each invocation.
	Narration string

	// Handler runs the tool.
	Handler Handler
}

// Descriptor is the wire form of a registered tool handed to LLM providers.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// InvocationStatus tracks the lifecycle of a single tool invocation.
type InvocationStatus string

const (
	StatusPending   InvocationStatus = "pending"
	StatusRunning   InvocationStatus = "running"
	StatusSucceeded InvocationStatus = "succeeded"
	StatusFailed    InvocationStatus = "failed"
	StatusCancelled InvocationStatus = "cancelled"
)

// Invocation records a single tool execution.
type Invocation struct {
	// ID is the model-assigned tool call ID.
	ID string

	// Tool is the invoked tool name.
	Tool string

	// Args is the validated argument JSON.
	Args json.RawMessage

	// Status is the terminal state after Invoke returns.
	Status InvocationStatus

	// StartedAt and FinishedAt bound the execution.
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the invocation's wall-clock execution time.
func (inv *Invocation) Duration() time.Duration {
	if inv.FinishedAt.IsZero() || inv.StartedAt.IsZero() {
		return 0
	}
	return inv.FinishedAt.Sub(inv.StartedAt)
}

// Result is the outcome of one invocation. Payload is never nil: failures
// carry their wire-form error payload so the conversation loop can always
// append a complete tool result.
type Result struct {
	Invocation Invocation

	// Payload is the JSON handed back to the model as the tool result.
	Payload json.RawMessage

	// Err is nil when the invocation succeeded.
	Err *Error
}

// StatusFunc receives the running-status narration for an invocation.
// Implementations must not block; the registry calls it synchronously
// before the handler starts.
type StatusFunc func(inv Invocation, narration string)

type profileContextKey struct{}

// WithProfile attaches the resolved agent profile to the context so tools
// can consult per-agent policy (recipient greenlists, document scopes).
func WithProfile(ctx context.Context, profile *models.AgentProfile) context.Context {
	return context.WithValue(ctx, profileContextKey{}, profile)
}

// ProfileFromContext returns the agent profile attached by WithProfile.
func ProfileFromContext(ctx context.Context) (*models.AgentProfile, bool) {
	profile, ok := ctx.Value(profileContextKey{}).(*models.AgentProfile)
	return profile, ok && profile != nil
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ringdown/ringdown/internal/observability"
	"github.com/ringdown/ringdown/pkg/models"
)

// Registry holds registered tools and executes invocations against them.
//
// Registration is typed: each Spec carries an argument prototype from which
// a JSON Schema is generated and compiled exactly once. Invoke validates
// arguments against the compiled schema, bounds execution with the tool's
// timeout, recovers panics, and converts every failure into a structured
// result payload so the conversation loop never sees a half-finished tool
// call.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool

	logger  *observability.Logger
	metrics *observability.Metrics

	cancelGrace time.Duration
	nowFunc     func() time.Time // For testing
}

type registeredTool struct {
	spec       Spec
	descriptor Descriptor
	compiled   *jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *observability.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &Registry{
		tools:       make(map[string]*registeredTool),
		logger:      logger,
		metrics:     metrics,
		cancelGrace: CancelGrace,
		nowFunc:     time.Now,
	}
}

// Register adds a tool. The argument schema is generated and compiled here,
// once, so invocation-time validation never pays reflection cost.
// Registering a name twice returns ErrDuplicateTool.
func (r *Registry) Register(spec Spec) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", name)
	}

	raw, compiled, err := generateSchema(name, spec.Args)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	spec.Name = name
	r.tools[name] = &registeredTool{
		spec: spec,
		descriptor: Descriptor{
			Name:        name,
			Description: spec.Description,
			InputSchema: raw,
		},
		compiled: compiled,
	}
	return nil
}

// MustRegister registers specs and panics on failure. Intended for startup
// wiring where a bad registration is a programming error.
func (r *Registry) MustRegister(specs ...Spec) {
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns all registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PromptBlurbs returns the per-tool prompt hints used to expand the
// {ToolPrompts} token in agent system prompts. Tools without a blurb are
// omitted.
func (r *Registry) PromptBlurbs() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	blurbs := make(map[string]string, len(r.tools))
	for name, reg := range r.tools {
		if reg.spec.PromptBlurb != "" {
			blurbs[name] = reg.spec.PromptBlurb
		}
	}
	return blurbs
}

// NarrationFor returns the running-status line configured for a tool, or ""
// when the tool has none or is not registered. Callers that emit speech on
// their own ordered path use this instead of a StatusFunc.
func (r *Registry) NarrationFor(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.tools[name]; ok {
		return reg.spec.Narration
	}
	return ""
}

// DescriptorsFor returns wire descriptors for the allowed tools, in
// allowlist order. Unregistered names are skipped; an empty allowlist
// yields no descriptors.
func (r *Registry) DescriptorsFor(allowlist []string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descriptors := make([]Descriptor, 0, len(allowlist))
	for _, name := range allowlist {
		if reg, ok := r.tools[name]; ok {
			descriptors = append(descriptors, reg.descriptor)
		}
	}
	return descriptors
}

type handlerResult struct {
	payload json.RawMessage
	err     error
}

// Invoke executes one tool call and always returns a complete Result. The
// outcome, success payload or structured failure, is ready to append to the
// conversation as a tool result.
//
// If the registered Spec carries a narration line and status is non-nil, the
// narration fires synchronously before the handler starts, at most once per
// invocation.
//
// Cancellation is cooperative: when ctx is cancelled the invocation resolves
// immediately with a cancelled result, and the handler goroutine gets
// CancelGrace to return before it is logged as leaked.
func (r *Registry) Invoke(ctx context.Context, call models.ToolCall, status StatusFunc) Result {
	inv := Invocation{
		ID:        call.ID,
		Tool:      call.Name,
		Args:      call.Args,
		Status:    StatusPending,
		StartedAt: r.nowFunc(),
	}

	r.mu.RLock()
	reg, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return r.finish(ctx, inv, nil,
			InvalidArgs(call.Name, "unknown tool: "+call.Name).WithToolCallID(call.ID))
	}

	if err := validateArgs(reg.compiled, call.Args); err != nil {
		return r.finish(ctx, inv, nil,
			InvalidArgs(call.Name, err.Error()).WithToolCallID(call.ID))
	}

	inv.Status = StatusRunning
	if status != nil && reg.spec.Narration != "" {
		status(inv, reg.spec.Narration)
	}

	timeout := reg.spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				resultCh <- handlerResult{err: &Error{
					Type:       ErrorInternal,
					Tool:       call.Name,
					ToolCallID: call.ID,
					Message:    fmt.Sprintf("panic: %v", rec),
					Cause:      fmt.Errorf("panic: %v\n%s", rec, stack),
				}}
			}
		}()
		payload, err := reg.spec.Handler(execCtx, call.Args)
		resultCh <- handlerResult{payload: payload, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return r.finish(ctx, inv, nil, r.asToolError(call, res.err))
		}
		return r.finish(ctx, inv, res.payload, nil)

	case <-execCtx.Done():
		if ctx.Err() != nil {
			// Parent cancelled: barge-in or session shutdown. Resolve now,
			// give the handler its grace window in the background.
			r.watchLeak(ctx, call, resultCh)
			return r.finish(ctx, inv, nil, &Error{
				Type:       ErrorCancelled,
				Tool:       call.Name,
				ToolCallID: call.ID,
				Message:    "cancelled",
			})
		}
		r.watchLeak(ctx, call, resultCh)
		return r.finish(ctx, inv, nil,
			NewError(call.Name, ErrInvocationTimeout).
				WithType(ErrorTimeout).
				WithToolCallID(call.ID).
				WithMessage(fmt.Sprintf("execution timed out after %s", timeout)))
	}
}

// watchLeak waits for the handler goroutine to return after its context was
// cancelled. Handlers that outlive the grace window are logged as leaked.
func (r *Registry) watchLeak(ctx context.Context, call models.ToolCall, resultCh <-chan handlerResult) {
	grace := r.cancelGrace
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-resultCh:
			// Handler honored cancellation; late result discarded.
		case <-timer.C:
			r.logger.Warn(ctx, "tool goroutine leaked after cancellation",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"grace", grace.String(),
			)
			if r.metrics != nil {
				r.metrics.RecordError("tools", "leaked")
			}
		}
	}()
}

func (r *Registry) asToolError(call models.ToolCall, err error) *Error {
	if toolErr, ok := AsError(err); ok {
		if toolErr.Tool == "" {
			toolErr.Tool = call.Name
		}
		if toolErr.ToolCallID == "" {
			toolErr.ToolCallID = call.ID
		}
		return toolErr
	}
	return NewError(call.Name, err).WithToolCallID(call.ID)
}

func (r *Registry) finish(ctx context.Context, inv Invocation, payload json.RawMessage, toolErr *Error) Result {
	inv.FinishedAt = r.nowFunc()

	if toolErr != nil {
		if toolErr.Type == ErrorCancelled {
			inv.Status = StatusCancelled
		} else {
			inv.Status = StatusFailed
		}
		r.logger.Warn(ctx, "tool invocation failed",
			"tool", inv.Tool,
			"tool_call_id", inv.ID,
			"error_type", string(toolErr.Type),
			"error", toolErr.Error(),
			"duration_ms", inv.Duration().Milliseconds(),
		)
		if r.metrics != nil {
			r.metrics.RecordToolInvocation(inv.Tool, metricStatus(toolErr.Type), inv.Duration().Seconds())
		}
		return Result{Invocation: inv, Payload: toolErr.Payload(), Err: toolErr}
	}

	inv.Status = StatusSucceeded
	if len(payload) == 0 {
		payload = json.RawMessage(`{"ok":true}`)
	}
	r.logger.Debug(ctx, "tool invocation succeeded",
		"tool", inv.Tool,
		"tool_call_id", inv.ID,
		"duration_ms", inv.Duration().Milliseconds(),
	)
	if r.metrics != nil {
		r.metrics.RecordToolInvocation(inv.Tool, "succeeded", inv.Duration().Seconds())
	}
	return Result{Invocation: inv, Payload: payload}
}

func metricStatus(t ErrorType) string {
	switch t {
	case ErrorInvalidArgs:
		return "invalid_args"
	case ErrorTimeout:
		return "timeout"
	case ErrorCancelled:
		return "cancelled"
	case ErrorDisabled:
		return "disabled"
	case ErrorRateLimited:
		return "rate_limited"
	default:
		return "failed"
	}
}

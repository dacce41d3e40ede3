package mobile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ringdown/ringdown/internal/convo"
	"github.com/ringdown/ringdown/internal/llm"
	"github.com/ringdown/ringdown/internal/observability"
	"github.com/ringdown/ringdown/internal/profile"
	"github.com/ringdown/ringdown/internal/session"
	"github.com/ringdown/ringdown/internal/tools"
	"github.com/ringdown/ringdown/internal/tools/builtin"
	"github.com/ringdown/ringdown/pkg/models"
)

// CompletionResult is the outcome of one managed-AV completion.
type CompletionResult struct {
	Text     string
	Hold     bool
	Reset    bool
	PromptID string
}

// CompletionRunner runs full turns for managed-AV clients. Unlike the voice
// path nothing streams to the caller: the turn runs to completion, tool
// calls and all, and the accumulated text comes back in one piece. History
// bookkeeping matches the voice loop exactly, so a device can move between
// the two paths mid-conversation.
type CompletionRunner struct {
	convo    *convo.Store
	profiles *profile.Registry
	tools    *tools.Registry
	provider llm.Provider
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewCompletionRunner wires the turn runner over the shared stores.
func NewCompletionRunner(store *convo.Store, profiles *profile.Registry, registry *tools.Registry, provider llm.Provider, logger *observability.Logger, metrics *observability.Metrics) *CompletionRunner {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &CompletionRunner{
		convo:    store,
		profiles: profiles,
		tools:    registry,
		provider: provider,
		logger:   logger.WithComponent("mobile"),
		metrics:  metrics,
	}
}

// Run executes one completion against the session's conversation. A busy
// handle returns Hold rather than blocking: the client retries after its
// current exchange drains. A hang-up control from a tool sets Reset so the
// client tears the AV session down.
func (r *CompletionRunner) Run(ctx context.Context, sess Session, transcript string) (CompletionResult, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return CompletionResult{}, fmt.Errorf("mobile: empty transcript")
	}

	prof, ok := r.profiles.Get(sess.AgentID)
	if !ok {
		return CompletionResult{}, fmt.Errorf("mobile: unknown agent %q", sess.AgentID)
	}

	ctx = observability.WithSessionID(ctx, sess.ID)
	ctx = observability.WithAgentID(ctx, prof.ID)

	handle, ok := r.convo.TryAcquire(sess.CallerKey, prof.ID, "mobile:"+sess.ID)
	if !ok {
		r.logger.Info(ctx, "completion held, conversation busy",
			"caller_key", sess.CallerKey)
		return CompletionResult{Hold: true, PromptID: uuid.NewString()}, nil
	}
	defer handle.Release()

	handle.EnsureSystem(prof.PromptTemplate)
	handle.Append(models.UserMessage(transcript, time.Now().UTC()))

	result, err := r.runTurn(ctx, handle, prof)
	if err != nil {
		return CompletionResult{}, err
	}
	result.PromptID = uuid.NewString()

	r.logger.Info(ctx, "mobile_managed_completion",
		"transcript_chars", len(transcript),
		"response_chars", len(result.Text),
		"hold", result.Hold,
		"reset", result.Reset,
	)
	if r.metrics != nil {
		outcome := "completed"
		if result.Reset {
			outcome = "hangup"
		}
		r.metrics.RecordTurn(prof.ID, outcome)
	}
	return result, nil
}

// runTurn drives segment streams until the model stops asking for tools.
// Each segment appends one assistant message; its tool results follow in
// dispatch order before the next segment starts.
func (r *CompletionRunner) runTurn(ctx context.Context, handle *convo.Handle, prof *models.AgentProfile) (CompletionResult, error) {
	driver := llm.NewDriver(r.provider, llm.DriverConfig{BackupModel: prof.BackupModel}, r.logger, r.metrics)
	toolCtx := tools.WithProfile(ctx, prof)

	var (
		out         strings.Builder
		invocations int
		reset       bool
	)

	for {
		seg, err := r.streamSegment(toolCtx, driver, handle, prof)
		if err != nil {
			// The user message is already on record; close the pair with
			// whatever the model produced, or the fallback line.
			text := strings.TrimSpace(seg.text)
			if text == "" {
				text = fallbackLine(prof)
			}
			handle.Append(models.AssistantMessage(text, nil))
			r.logger.Error(ctx, "completion stream failed", "error", err)
			if out.Len() > 0 {
				out.WriteString(" ")
			}
			out.WriteString(text)
			return CompletionResult{Text: strings.TrimSpace(out.String()), Reset: reset}, nil
		}

		text := strings.TrimRight(seg.text, " \t\n\r")
		if text != "" {
			if out.Len() > 0 {
				out.WriteString(" ")
			}
			out.WriteString(text)
		}

		if len(seg.calls) == 0 {
			if text == "" && out.Len() == 0 {
				// The model produced nothing; close the pair with the
				// fallback line rather than leaving a dangling user turn.
				text = fallbackLine(prof)
				out.WriteString(text)
			}
			if text != "" {
				handle.Append(models.AssistantMessage(text, nil))
			}
			return CompletionResult{Text: strings.TrimSpace(out.String()), Reset: reset}, nil
		}

		handle.Append(models.AssistantMessage(text, seg.calls))
		for _, call := range seg.calls {
			handle.MarkPending(call.ID)
		}

		budgetHit := false
		for _, call := range seg.calls {
			if invocations >= prof.MaxToolIterations {
				handle.Append(models.ToolResultMessage(call.ID, call.Name, models.CancelledToolPayload()))
				handle.ResolvePending(call.ID)
				budgetHit = true
				continue
			}
			invocations++

			result := r.tools.Invoke(toolCtx, call, nil)
			handle.Append(models.ToolResultMessage(call.ID, call.Name, result.Payload))
			handle.ResolvePending(call.ID)

			if ctl, ok := builtin.DecodeControl(result.Payload); ok {
				switch ctl.Control {
				case builtin.ControlHangUp:
					reset = true
				case builtin.ControlSwitchLanguage:
					// No live audio channel to retune on this path; the
					// next voice call picks the language up from history.
					r.logger.Info(ctx, "language switch requested on managed path",
						"tts_language", ctl.TTSLanguage)
				}
			}
		}

		if budgetHit {
			r.logger.Warn(ctx, "tool budget exhausted",
				"max_tool_iterations", prof.MaxToolIterations)
			if r.metrics != nil {
				r.metrics.RecordError("mobile", "tool_budget")
			}
			if out.Len() > 0 {
				out.WriteString(" ")
			}
			out.WriteString(session.ToolBudgetRefusal)
			return CompletionResult{Text: strings.TrimSpace(out.String()), Reset: reset}, nil
		}

		if reset {
			return CompletionResult{Text: strings.TrimSpace(out.String()), Reset: true}, nil
		}
	}
}

// segment is one driver stream's accumulated output.
type segment struct {
	text  string
	calls []models.ToolCall
}

func (r *CompletionRunner) streamSegment(ctx context.Context, driver *llm.Driver, handle *convo.Handle, prof *models.AgentProfile) (segment, error) {
	events := driver.Stream(ctx, llm.Request{
		Model:    prof.Model,
		System:   prof.PromptTemplate,
		Messages: handle.Snapshot(),
		Tools:    r.tools.DescriptorsFor(prof.ToolAllowlist),
	})

	var seg segment
	for ev := range events {
		switch ev.Type {
		case llm.EventTextDelta:
			seg.text += ev.Text
		case llm.EventToolCallRequest:
			if ev.ToolCall != nil {
				seg.calls = append(seg.calls, *ev.ToolCall)
			}
		case llm.EventTurnComplete:
			// Channel closes right after; fall through to return.
		case llm.EventStreamError:
			if ev.Err != nil {
				return seg, ev.Err
			}
		}
	}
	return seg, nil
}

func fallbackLine(prof *models.AgentProfile) string {
	if prof.FallbackMessage != "" {
		return prof.FallbackMessage
	}
	return session.DefaultFallbackMessage
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/ringdown/ringdown/internal/observability"
	"github.com/ringdown/ringdown/pkg/models"
)

const (
	// defaultMaxTokens bounds a turn when the request does not set one.
	// Voice replies are short; a runaway turn is cut off rather than spoken
	// for minutes.
	defaultMaxTokens = 1024

	// maxEmptyStreamEvents guards against malformed streams that keep
	// emitting events without ever producing content or terminating.
	maxEmptyStreamEvents = 300
)

// AnthropicProvider streams turns through the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	logger *observability.Logger
}

// NewAnthropicProvider creates an Anthropic-backed provider. baseURL is
// optional and overrides the API endpoint for proxied deployments.
func NewAnthropicProvider(apiKey, baseURL string, logger *observability.Logger) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		logger: logger,
	}
}

// Name identifies the provider in logs and metrics.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Stream starts one streaming turn. The returned channel carries events in
// model order and closes after the terminal event.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	events := make(chan Event)
	go p.process(ctx, req.Model, stream, events)
	return events, nil
}

func (p *AnthropicProvider) buildParams(req Request) (anthropic.MessageNewParams, error) {
	msgs, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	if len(req.Tools) > 0 {
		toolParams := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, d := range req.Tools {
			var schema anthropic.ToolInputSchemaParam
			if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
				return anthropic.MessageNewParams{}, fmt.Errorf("tool %s: invalid input schema: %w", d.Name, err)
			}
			tp := anthropic.ToolUnionParamOfTool(schema, d.Name)
			if d.Description != "" {
				tp.OfTool.Description = anthropic.String(d.Description)
			}
			toolParams = append(toolParams, tp)
		}
		params.Tools = toolParams
	}

	return params, nil
}

// process consumes the SSE stream and emits driver events. It owns the
// events channel and closes it on return.
func (p *AnthropicProvider) process(ctx context.Context, model string, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- Event) {
	defer close(events)
	defer stream.Close()

	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		currentTool  *models.ToolCall
		argsBuilder  strings.Builder
		inputTokens  int
		outputTokens int
		stopReason   string
		emptyEvents  int
	)

	for stream.Next() {
		event := stream.Current()
		progressed := false

		switch event.Type {
		case "message_start":
			msgStart := event.AsMessageStart()
			inputTokens = int(msgStart.Message.Usage.InputTokens)
			progressed = true

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				currentTool = &models.ToolCall{
					ID:   toolUse.ID,
					Name: toolUse.Name,
				}
				argsBuilder.Reset()
			}
			progressed = true

		case "content_block_delta":
			blockDelta := event.AsContentBlockDelta()
			switch blockDelta.Delta.Type {
			case "text_delta":
				if blockDelta.Delta.Text != "" {
					if !send(Event{Type: EventTextDelta, Text: blockDelta.Delta.Text}) {
						return
					}
					progressed = true
				}
			case "input_json_delta":
				// Tool arguments arrive as partial JSON fragments and are
				// only valid once the block stops.
				if blockDelta.Delta.PartialJSON != "" {
					argsBuilder.WriteString(blockDelta.Delta.PartialJSON)
					progressed = true
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				args := argsBuilder.String()
				if args == "" {
					args = "{}"
				}
				currentTool.Args = json.RawMessage(args)
				if !send(Event{Type: EventToolCallRequest, ToolCall: currentTool}) {
					return
				}
				currentTool = nil
				argsBuilder.Reset()
			}
			progressed = true

		case "message_delta":
			msgDelta := event.AsMessageDelta()
			outputTokens = int(msgDelta.Usage.OutputTokens)
			if msgDelta.Delta.StopReason != "" {
				stopReason = string(msgDelta.Delta.StopReason)
			}
			progressed = true

		case "message_stop":
			send(Event{
				Type:         EventTurnComplete,
				StopReason:   stopReason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return
		}

		if progressed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents > maxEmptyStreamEvents {
				p.logger.Error(ctx, "anthropic stream produced no content", "model", model, "events", emptyEvents)
				send(Event{Type: EventStreamError, Err: &StreamError{
					Kind:     KindTransient,
					Provider: p.Name(),
					Model:    model,
					Message:  "malformed stream: too many empty events",
				}})
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		send(Event{Type: EventStreamError, Err: p.wrapError(model, err)})
		return
	}

	send(Event{Type: EventStreamError, Err: &StreamError{
		Kind:     KindTransient,
		Provider: p.Name(),
		Model:    model,
		Message:  "stream closed before message_stop",
	}})
}

// wrapError converts SDK errors into classified StreamErrors, preferring
// the HTTP status when the API surfaced one.
func (p *AnthropicProvider) wrapError(model string, err error) *StreamError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Error()
		var body struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if raw := apiErr.RawJSON(); raw != "" {
			if jsonErr := json.Unmarshal([]byte(raw), &body); jsonErr == nil && body.Error.Message != "" {
				msg = body.Error.Message
			}
		}
		return &StreamError{
			Kind:     classifyStatus(apiErr.StatusCode),
			Provider: p.Name(),
			Model:    model,
			Message:  msg,
			Cause:    err,
		}
	}
	return NewStreamError(p.Name(), model, err)
}

// convertAnthropicMessages maps conversation history onto Anthropic turn
// params. The pinned system message travels separately in Request.System, so
// RoleSystem entries are skipped here. Consecutive tool results coalesce
// into one user message, as the API requires every tool_use to be answered
// in the turn that follows it.
func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))

	var pendingResults []anthropic.ContentBlockParamUnion
	flushResults := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue

		case models.RoleUser:
			flushResults()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case models.RoleAssistant:
			flushResults()
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Args
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		case models.RoleToolResult:
			pendingResults = append(pendingResults,
				anthropic.NewToolResultBlock(msg.ToolCallID, string(msg.Payload), payloadIsError(msg.Payload)))

		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	flushResults()

	return out, nil
}

// payloadIsError inspects a tool-result payload for the ok flag. Payloads
// without one are treated as successes.
func payloadIsError(raw json.RawMessage) bool {
	var probe struct {
		OK *bool `json:"ok"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.OK != nil && !*probe.OK
}

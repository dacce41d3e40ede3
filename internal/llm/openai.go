package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ringdown/ringdown/internal/observability"
	"github.com/ringdown/ringdown/pkg/models"
)

// OpenAIProvider streams turns through the Chat Completions API. A custom
// base URL points it at any compatible deployment.
type OpenAIProvider struct {
	client *openai.Client
	logger *observability.Logger
}

// NewOpenAIProvider creates an OpenAI-backed provider.
func NewOpenAIProvider(apiKey, baseURL string, logger *observability.Logger) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		logger: logger,
	}
}

// Name identifies the provider in logs and metrics.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Stream starts one streaming turn. The returned channel carries events in
// model order and closes after the terminal event.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go p.process(ctx, req.Model, stream, events)
	return events, nil
}

func (p *OpenAIProvider) buildRequest(req Request) (openai.ChatCompletionRequest, error) {
	msgs, err := convertOpenAIMessages(req.System, req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  msgs,
		Stream:    true,
		MaxTokens: maxTokens,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	if len(req.Tools) > 0 {
		chatReq.Tools = make([]openai.Tool, 0, len(req.Tools))
		for _, d := range req.Tools {
			chatReq.Tools = append(chatReq.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        d.Name,
					Description: d.Description,
					Parameters:  json.RawMessage(d.InputSchema),
				},
			})
		}
	}

	return chatReq, nil
}

// process consumes stream chunks and emits driver events. Tool calls arrive
// as argument fragments spread across chunks, keyed by index; they are
// emitted once the model reports the tool_calls finish reason (or at EOF for
// servers that omit it).
func (p *OpenAIProvider) process(ctx context.Context, model string, stream *openai.ChatCompletionStream, events chan<- Event) {
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

	pending := make(map[int]*models.ToolCall)
	pendingArgs := make(map[int]string)
	var (
		inputTokens  int
		outputTokens int
		stopReason   string
	)

	flushToolCalls := func() bool {
		if len(pending) == 0 {
			return true
		}
		indices := make([]int, 0, len(pending))
		for i := range pending {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			tc := pending[i]
			args := pendingArgs[i]
			if args == "" {
				args = "{}"
			}
			tc.Args = json.RawMessage(args)
			if !send(Event{Type: EventToolCallRequest, ToolCall: tc}) {
				return false
			}
		}
		pending = make(map[int]*models.ToolCall)
		pendingArgs = make(map[int]string)
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !flushToolCalls() {
				return
			}
			send(Event{
				Type:         EventTurnComplete,
				StopReason:   stopReason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return
		}
		if err != nil {
			send(Event{Type: EventStreamError, Err: p.wrapError(model, err)})
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !send(Event{Type: EventTextDelta, Text: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			if tc.Index == nil {
				continue
			}
			idx := *tc.Index
			if _, ok := pending[idx]; !ok {
				pending[idx] = &models.ToolCall{}
			}
			if tc.ID != "" {
				pending[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pendingArgs[idx] += tc.Function.Arguments
			}
		}

		if choice.FinishReason != "" {
			stopReason = string(choice.FinishReason)
			if choice.FinishReason == openai.FinishReasonToolCalls {
				if !flushToolCalls() {
					return
				}
			}
		}
	}
}

// wrapError converts go-openai errors into classified StreamErrors.
func (p *OpenAIProvider) wrapError(model string, err error) *StreamError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &StreamError{
			Kind:     classifyStatus(apiErr.HTTPStatusCode),
			Provider: p.Name(),
			Model:    model,
			Message:  apiErr.Message,
			Cause:    err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &StreamError{
			Kind:     classifyStatus(reqErr.HTTPStatusCode),
			Provider: p.Name(),
			Model:    model,
			Message:  reqErr.Error(),
			Cause:    err,
		}
	}
	return NewStreamError(p.Name(), model, err)
}

// convertOpenAIMessages maps conversation history onto chat messages. The
// pinned system prompt leads; tool results become role "tool" messages tied
// back to their call IDs.
func convertOpenAIMessages(system string, messages []models.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			// Carried in the system parameter above.
			continue

		case models.RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})

		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Args)
				if args == "" {
					args = "{}"
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			out = append(out, m)

		case models.RoleToolResult:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    string(msg.Payload),
				ToolCallID: msg.ToolCallID,
			})

		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}

	return out, nil
}

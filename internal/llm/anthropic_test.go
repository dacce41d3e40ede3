package llm

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ringdown/ringdown/internal/tools"
	"github.com/ringdown/ringdown/pkg/models"
)

func TestConvertAnthropicMessages_CoalescesToolResults(t *testing.T) {
	history := []models.Message{
		models.SystemMessage("You are Ringdown."),
		models.UserMessage("Send two emails.", time.Now()),
		models.AssistantMessage("On it.", []models.ToolCall{
			{ID: "call_1", Name: "send_email", Args: json.RawMessage(`{"to":"a@example.com"}`)},
			{ID: "call_2", Name: "send_email", Args: json.RawMessage(`{"to":"b@example.com"}`)},
		}),
		models.ToolResultMessage("call_1", "send_email", json.RawMessage(`{"ok":true}`)),
		models.ToolResultMessage("call_2", "send_email", json.RawMessage(`{"ok":false,"error":"timeout"}`)),
	}

	out, err := convertAnthropicMessages(history)
	if err != nil {
		t.Fatalf("convertAnthropicMessages: %v", err)
	}

	// System is carried separately, and both tool results must land in a
	// single user message following the assistant turn.
	if len(out) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(out))
	}
	if out[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("message 0: expected user role, got %s", out[0].Role)
	}
	if out[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("message 1: expected assistant role, got %s", out[1].Role)
	}
	if len(out[1].Content) != 3 {
		t.Errorf("assistant message: expected text + 2 tool_use blocks, got %d", len(out[1].Content))
	}
	if out[2].Role != anthropic.MessageParamRoleUser {
		t.Errorf("message 2: expected user role, got %s", out[2].Role)
	}
	if len(out[2].Content) != 2 {
		t.Fatalf("expected 2 coalesced tool results, got %d", len(out[2].Content))
	}
	for i, block := range out[2].Content {
		if block.OfToolResult == nil {
			t.Fatalf("result block %d is not a tool_result", i)
		}
	}
	if got := out[2].Content[0].OfToolResult.ToolUseID; got != "call_1" {
		t.Errorf("first result references %q, want call_1", got)
	}
}

func TestConvertAnthropicMessages_EmptyAssistantDropped(t *testing.T) {
	out, err := convertAnthropicMessages([]models.Message{
		models.UserMessage("hello", time.Now()),
		{Role: models.RoleAssistant},
		models.UserMessage("still there?", time.Now()),
	})
	if err != nil {
		t.Fatalf("convertAnthropicMessages: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected the empty assistant entry to be dropped, got %d messages", len(out))
	}
}

func TestBuildParams_RejectsBadToolSchema(t *testing.T) {
	p := &AnthropicProvider{}
	_, err := p.buildParams(Request{
		Model: "m",
		Tools: []tools.Descriptor{{Name: "broken", InputSchema: json.RawMessage(`{`)}},
	})
	if err == nil {
		t.Fatal("expected an error for a malformed tool schema")
	}
}

func TestPayloadIsError(t *testing.T) {
	tests := []struct {
		payload string
		want    bool
	}{
		{`{"ok":false,"error":"timeout"}`, true},
		{`{"ok":true,"sent":1}`, false},
		{`{"value":42}`, false},
		{`not json`, false},
	}
	for _, tt := range tests {
		if got := payloadIsError(json.RawMessage(tt.payload)); got != tt.want {
			t.Errorf("payloadIsError(%s) = %v, want %v", tt.payload, got, tt.want)
		}
	}
}

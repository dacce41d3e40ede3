package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
)

// ToolCall represents the model's request to execute a tool.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Message is one entry of a conversation history. Exactly one shape is
// populated depending on Role:
//
//   - RoleSystem: Content
//   - RoleUser: Content, At
//   - RoleAssistant: Content (may be empty) and/or ToolCalls
//   - RoleToolResult: ToolCallID, ToolName, Payload
type Message struct {
	Role       Role            `json:"role"`
	Content    string          `json:"content,omitempty"`
	At         time.Time       `json:"at,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// SystemMessage builds the pinned system message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage builds a user utterance entry.
func UserMessage(text string, at time.Time) Message {
	return Message{Role: RoleUser, Content: text, At: at}
}

// AssistantMessage builds an assistant entry carrying spoken text and any
// tool calls issued in the same turn.
func AssistantMessage(text string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// ToolResultMessage builds a tool-result entry referencing a prior tool call.
func ToolResultMessage(toolCallID, toolName string, payload json.RawMessage) Message {
	return Message{Role: RoleToolResult, ToolCallID: toolCallID, ToolName: toolName, Payload: payload}
}

// CancelledToolPayload is the synthetic payload appended for tool calls that
// were outstanding when a turn was cancelled.
func CancelledToolPayload() json.RawMessage {
	return json.RawMessage(`{"ok":false,"cancelled":true,"message":"cancelled"}`)
}

// HasToolCalls reports whether the message is an assistant entry that issued
// at least one tool call.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// ErrInvalidCallerID is returned for inputs that cannot be normalized to an
// E.164 phone number.
var ErrInvalidCallerID = errors.New("invalid caller id")

// NormalizeCallerID canonicalizes a dialed number into E.164 form
// ("+15555550100"). Separators and surrounding whitespace are stripped; the
// result always carries a leading "+".
func NormalizeCallerID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalidCallerID
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separator, skip
		default:
			return "", ErrInvalidCallerID
		}
	}

	out := b.String()
	digits := strings.TrimPrefix(out, "+")
	if len(digits) < 7 || len(digits) > 15 {
		return "", ErrInvalidCallerID
	}
	if !strings.HasPrefix(out, "+") {
		out = "+" + out
	}
	return out, nil
}

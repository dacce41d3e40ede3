package mobile

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ringdown/ringdown/internal/config"
	"github.com/ringdown/ringdown/internal/convo"
	"github.com/ringdown/ringdown/internal/llm"
	"github.com/ringdown/ringdown/internal/profile"
	"github.com/ringdown/ringdown/internal/session"
	"github.com/ringdown/ringdown/internal/tools"
	"github.com/ringdown/ringdown/internal/tools/builtin"
	"github.com/ringdown/ringdown/pkg/models"
)

// scriptedProvider replays one event script per Stream call.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts [][]llm.Event
	calls   int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(_ context.Context, _ llm.Request) (<-chan llm.Event, error) {
	p.mu.Lock()
	var script []llm.Event
	if p.calls < len(p.scripts) {
		script = p.scripts[p.calls]
	}
	p.calls++
	p.mu.Unlock()

	ch := make(chan llm.Event, len(script)+1)
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func textTurn(parts ...string) []llm.Event {
	var evs []llm.Event
	for _, p := range parts {
		evs = append(evs, llm.Event{Type: llm.EventTextDelta, Text: p})
	}
	return append(evs, llm.Event{Type: llm.EventTurnComplete, StopReason: "end_turn"})
}

func toolTurn(text string, calls ...models.ToolCall) []llm.Event {
	var evs []llm.Event
	if text != "" {
		evs = append(evs, llm.Event{Type: llm.EventTextDelta, Text: text})
	}
	for i := range calls {
		call := calls[i]
		evs = append(evs, llm.Event{Type: llm.EventToolCallRequest, ToolCall: &call})
	}
	return append(evs, llm.Event{Type: llm.EventTurnComplete, StopReason: "tool_use"})
}

type testHarness struct {
	mux      *http.ServeMux
	manager  *SessionManager
	store    *convo.Store
	provider *scriptedProvider
	pipeline *fakePipeline
	tokens   *TokenService
}

func mobileTestConfig() *config.Config {
	one := 1
	return &config.Config{
		Defaults: config.DefaultsConfig{
			Model:             "claude-sonnet-4-5",
			BackupModel:       "",
			MaxToolIterations: 5,
			Tools:             []string{"hang_up", "test_lookup"},
			FallbackMessage:   "Sorry, say that again?",
		},
		Agents: map[string]config.AgentConfig{
			"front-desk": {
				PhoneNumbers: []string{"+15555550100"},
				Prompt:       "You answer the front desk line.",
				Greeting:     "Hi Dan!",
				Default:      true,
			},
			"budget-1": {
				PhoneNumbers:      []string{"+15555550101"},
				Prompt:            "You look things up.",
				MaxToolIterations: &one,
			},
		},
	}
}

func testLookup() tools.Spec {
	return tools.Spec{
		Name:        "test_lookup",
		Description: "Look up a fixed answer.",
		Timeout:     time.Second,
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true,"answer":42}`), nil
		},
	}
}

func newTestHarness(t *testing.T, controlEnabled bool, scripts ...[]llm.Event) *testHarness {
	t.Helper()

	registry := tools.NewRegistry(nil, nil)
	registry.MustRegister(builtin.HangUp())
	registry.MustRegister(testLookup())

	profiles, err := profile.NewRegistry(mobileTestConfig(), registry.PromptBlurbs(), nil)
	if err != nil {
		t.Fatalf("profile.NewRegistry: %v", err)
	}

	store := convo.NewStore(40, nil)
	provider := &scriptedProvider{scripts: scripts}
	pipeline := &fakePipeline{refreshable: true}
	tokens := NewTokenService("test-secret", 15*time.Minute)
	manager := NewSessionManager(tokens, pipeline, controlEnabled, nil, nil)
	runner := NewCompletionRunner(store, profiles, registry, provider, nil, nil)
	devices := NewDeviceRegistry([]string{"device-a"}, []string{"device-x"}, 30, "front-desk")

	ctrl := NewController(ControllerOptions{
		Sessions: manager,
		Runner:   runner,
		Devices:  devices,
		Profiles: profiles,
		Tokens:   tokens,
	})

	mux := http.NewServeMux()
	ctrl.Mount(mux)

	return &testHarness{
		mux:      mux,
		manager:  manager,
		store:    store,
		provider: provider,
		pipeline: pipeline,
		tokens:   tokens,
	}
}

func (h *testHarness) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCreateSessionEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, true)
	rec := h.do(t, http.MethodPost, pathVoiceSession, map[string]string{"deviceId": "device-a"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	resp := decodeBody[sessionResponse](t, rec)
	if resp.SessionID == "" || resp.AccessToken == "" || resp.RoomURL == "" {
		t.Fatalf("incomplete response: %+v", resp)
	}
	if resp.Agent != "front-desk" {
		t.Errorf("agent = %q, want front-desk", resp.Agent)
	}
	if resp.Greeting != "Hi Dan!" {
		t.Errorf("greeting = %q", resp.Greeting)
	}
	if time.Until(resp.ExpiresAt) <= 0 {
		t.Errorf("expiresAt in the past: %v", resp.ExpiresAt)
	}

	control, ok := resp.Metadata["control"].(map[string]any)
	if !ok {
		t.Fatalf("control metadata missing: %+v", resp.Metadata)
	}
	if control["pollPath"] != pathControlNext {
		t.Errorf("pollPath = %v", control["pollPath"])
	}
	if key, _ := control["key"].(string); key == "" {
		t.Error("control key empty")
	}

	// Repeat creation refreshes the same session.
	rec = h.do(t, http.MethodPost, pathVoiceSession, map[string]string{"deviceId": "device-a"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200", rec.Code)
	}
	again := decodeBody[sessionResponse](t, rec)
	if again.SessionID != resp.SessionID {
		t.Errorf("refresh changed session id: %q → %q", resp.SessionID, again.SessionID)
	}
}

func TestCreateSessionRefusesUnapprovedDevice(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false)

	rec := h.do(t, http.MethodPost, pathVoiceSession, map[string]string{"deviceId": "device-b"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	decision := decodeBody[DeviceDecision](t, rec)
	if decision.Status != DevicePending {
		t.Errorf("status = %q, want PENDING", decision.Status)
	}
	if decision.PollAfterSeconds != 30 {
		t.Errorf("pollAfterSeconds = %d, want 30", decision.PollAfterSeconds)
	}

	rec = h.do(t, http.MethodPost, pathVoiceSession, map[string]string{"deviceId": "device-x"}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("denylisted status = %d, want 403", rec.Code)
	}
	if d := decodeBody[DeviceDecision](t, rec); d.Status != DeviceDenied {
		t.Errorf("status = %q, want DENIED", d.Status)
	}
}

func TestCompletionAppendsOnePair(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false, textTurn("The office opens ", "at nine."))
	sess, _, err := h.manager.CreateOrRefresh(context.Background(), "device-a", "front-desk", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rec := h.do(t, http.MethodPost, pathCompletions,
		map[string]string{"sessionId": sess.ID, "transcript": "hello"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	resp := decodeBody[completionResponse](t, rec)
	if resp.Text != "The office opens at nine." {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Hold || resp.Reset {
		t.Errorf("hold/reset set on plain completion: %+v", resp)
	}
	if resp.PromptID == "" {
		t.Error("promptId missing")
	}

	handle, ok := h.store.TryAcquire("device:device-a", "front-desk", "inspect")
	if !ok {
		t.Fatal("conversation still held after completion")
	}
	defer handle.Release()

	msgs := handle.Snapshot()
	if len(msgs) != 3 {
		t.Fatalf("history length = %d, want 3 (system, user, assistant)", len(msgs))
	}
	if msgs[1].Role != models.RoleUser || msgs[1].Content != "hello" {
		t.Errorf("user entry = %+v", msgs[1])
	}
	if msgs[2].Role != models.RoleAssistant || msgs[2].Content != "The office opens at nine." {
		t.Errorf("assistant entry = %+v", msgs[2])
	}
}

func TestCompletionHoldsWhenConversationBusy(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false, textTurn("unused"))
	sess, _, err := h.manager.CreateOrRefresh(context.Background(), "device-a", "front-desk", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	holder, ok := h.store.TryAcquire(sess.CallerKey, "front-desk", "voice-call")
	if !ok {
		t.Fatal("could not pre-hold conversation")
	}
	defer holder.Release()

	rec := h.do(t, http.MethodPost, pathCompletions,
		map[string]string{"sessionId": sess.ID, "transcript": "hello"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[completionResponse](t, rec)
	if !resp.Hold {
		t.Fatal("expected hold=true while conversation is busy")
	}
	if resp.Text != "" {
		t.Errorf("held completion returned text %q", resp.Text)
	}
}

func TestCompletionUnknownSession(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false)
	rec := h.do(t, http.MethodPost, pathCompletions,
		map[string]string{"sessionId": "nope", "transcript": "hello"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCompletionRejectsBadBearer(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false, textTurn("hi"))
	sess, _, err := h.manager.CreateOrRefresh(context.Background(), "device-a", "front-desk", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rec := h.do(t, http.MethodPost, pathCompletions,
		map[string]string{"sessionId": sess.ID, "transcript": "hello"},
		map[string]string{"Authorization": "Bearer not-a-token"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = h.do(t, http.MethodPost, pathCompletions,
		map[string]string{"sessionId": sess.ID, "transcript": "hello"},
		map[string]string{"Authorization": "Bearer " + sess.AccessToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("status with valid token = %d, want 200", rec.Code)
	}
}

func TestCompletionHangUpResets(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false,
		toolTurn("Goodbye!", models.ToolCall{ID: "tc-1", Name: "hang_up", Args: json.RawMessage(`{}`)}),
	)
	sess, _, err := h.manager.CreateOrRefresh(context.Background(), "device-a", "front-desk", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rec := h.do(t, http.MethodPost, pathCompletions,
		map[string]string{"sessionId": sess.ID, "transcript": "bye"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[completionResponse](t, rec)
	if !resp.Reset {
		t.Fatal("expected reset=true after hang_up")
	}
	if resp.Text != "Goodbye!" {
		t.Errorf("text = %q", resp.Text)
	}
	if _, ok := h.manager.Get(sess.ID); ok {
		t.Error("session survived a reset")
	}

	// History keeps the full exchange including the tool round trip.
	handle, ok := h.store.TryAcquire(sess.CallerKey, "front-desk", "inspect")
	if !ok {
		t.Fatal("conversation still held")
	}
	defer handle.Release()
	msgs := handle.Snapshot()
	last := msgs[len(msgs)-1]
	if last.Role != models.RoleToolResult || last.ToolCallID != "tc-1" {
		t.Errorf("last entry = %+v, want hang_up result", last)
	}
	if handle.HasPending() {
		t.Error("pending tool calls left behind")
	}
}

func TestCompletionToolBudgetRefusal(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false,
		toolTurn("", models.ToolCall{ID: "tc-1", Name: "test_lookup", Args: json.RawMessage(`{}`)}),
		toolTurn("", models.ToolCall{ID: "tc-2", Name: "test_lookup", Args: json.RawMessage(`{}`)}),
	)
	sess, _, err := h.manager.CreateOrRefresh(context.Background(), "device-a", "budget-1", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rec := h.do(t, http.MethodPost, pathCompletions,
		map[string]string{"sessionId": sess.ID, "transcript": "look twice"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[completionResponse](t, rec)
	if !strings.Contains(resp.Text, session.ToolBudgetRefusal) {
		t.Errorf("text = %q, want budget refusal", resp.Text)
	}

	handle, ok := h.store.TryAcquire(sess.CallerKey, "budget-1", "inspect")
	if !ok {
		t.Fatal("conversation still held")
	}
	defer handle.Release()

	var cancelled int
	for _, msg := range handle.Snapshot() {
		if msg.Role == models.RoleToolResult && bytes.Contains(msg.Payload, []byte(`"cancelled":true`)) {
			cancelled++
		}
	}
	if cancelled != 1 {
		t.Errorf("cancelled results = %d, want 1 (the over-budget call)", cancelled)
	}
	if handle.HasPending() {
		t.Error("pending tool calls left behind")
	}
}

func TestDeleteSessionEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false)
	sess, _, err := h.manager.CreateOrRefresh(context.Background(), "device-a", "front-desk", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	rec := h.do(t, http.MethodDelete, pathSessions+sess.ID, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if h.pipeline.closedCount() != 1 {
		t.Error("upstream room not closed")
	}

	rec = h.do(t, http.MethodDelete, pathSessions+sess.ID, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestControlNextEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, true)
	sess, _, err := h.manager.CreateOrRefresh(context.Background(), "device-a", "front-desk", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := h.manager.EnqueueControl(context.Background(), sess.ID, ControlMessage{PromptID: "p-1", AudioBase64: "aGk=", Format: "wav"}); err != nil {
		t.Fatalf("EnqueueControl: %v", err)
	}

	rec := h.do(t, http.MethodPost, pathControlNext,
		map[string]string{"sessionId": sess.ID},
		map[string]string{ControlKeyHeader: "wrong"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("bad key status = %d, want 403", rec.Code)
	}

	rec = h.do(t, http.MethodPost, pathControlNext,
		map[string]string{"sessionId": sess.ID},
		map[string]string{ControlKeyHeader: sess.ControlKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[controlNextResponse](t, rec)
	if resp.Message == nil || resp.Message.PromptID != "p-1" {
		t.Fatalf("message = %+v", resp.Message)
	}

	rec = h.do(t, http.MethodPost, pathControlNext,
		map[string]string{"sessionId": sess.ID},
		map[string]string{ControlKeyHeader: sess.ControlKey})
	if resp := decodeBody[controlNextResponse](t, rec); resp.Message != nil {
		t.Fatalf("drained queue returned %+v", resp.Message)
	}
}

func TestControlNextHiddenWhenDisabled(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false)
	rec := h.do(t, http.MethodPost, pathControlNext, map[string]string{"sessionId": "x"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 with harness disabled", rec.Code)
	}
}

func TestRegisterDeviceEndpoint(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, false)

	rec := h.do(t, http.MethodPost, pathDeviceRegister,
		map[string]string{"deviceId": "device-a", "platform": "android"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if d := decodeBody[DeviceDecision](t, rec); d.Status != DeviceApproved || d.Agent != "front-desk" {
		t.Errorf("decision = %+v", d)
	}

	rec = h.do(t, http.MethodPost, pathDeviceRegister,
		map[string]string{"deviceId": "device-new"}, nil)
	if d := decodeBody[DeviceDecision](t, rec); d.Status != DevicePending || d.PollAfterSeconds != 30 {
		t.Errorf("decision = %+v", d)
	}

	rec = h.do(t, http.MethodPost, pathDeviceRegister, map[string]string{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing deviceId status = %d, want 400", rec.Code)
	}
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ringdown/ringdown/pkg/models"
)

type scriptEvent struct {
	ev    Event
	delay time.Duration
}

type providerScript struct {
	// err aborts Stream before any event.
	err error
	// events are emitted in order, honoring per-event delays.
	events []scriptEvent
	// hangAfter blocks after the scripted events until ctx is cancelled,
	// simulating a stalled upstream. Without it the raw channel closes
	// once the script runs out.
	hangAfter bool
}

// scriptedProvider replays canned scripts, one per Stream call.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts []providerScript
	calls   []Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	p.mu.Lock()
	idx := len(p.calls)
	p.calls = append(p.calls, req)
	var script providerScript
	if idx < len(p.scripts) {
		script = p.scripts[idx]
	} else {
		script = providerScript{err: errors.New("no script for call")}
	}
	p.mu.Unlock()

	if script.err != nil {
		return nil, script.err
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		for _, se := range script.events {
			if se.delay > 0 {
				select {
				case <-time.After(se.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- se.ev:
			case <-ctx.Done():
				return
			}
		}
		if script.hangAfter {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) requestedModels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, r := range p.calls {
		out[i] = r.Model
	}
	return out
}

func newTestDriver(p Provider, backup string) *Driver {
	d := NewDriver(p, DriverConfig{BackupModel: backup}, nil, nil)
	d.firstTokenTimeout = 200 * time.Millisecond
	d.interTokenTimeout = 200 * time.Millisecond
	return d
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for stream events, got %d so far", len(out))
		}
	}
}

func textEvent(s string) scriptEvent {
	return scriptEvent{ev: Event{Type: EventTextDelta, Text: s}}
}

func completeEvent(reason string) scriptEvent {
	return scriptEvent{ev: Event{Type: EventTurnComplete, StopReason: reason}}
}

func TestDriver_OrderedDelivery(t *testing.T) {
	provider := &scriptedProvider{scripts: []providerScript{{
		events: []scriptEvent{
			textEvent("Your next "),
			textEvent("appointment is Tuesday."),
			{ev: Event{Type: EventToolCallRequest, ToolCall: &models.ToolCall{
				ID:   "call_1",
				Name: "current_time",
				Args: json.RawMessage(`{}`),
			}}},
			completeEvent("tool_use"),
		},
	}}}

	events := collect(t, newTestDriver(provider, "").Stream(context.Background(), Request{Model: "primary"}))

	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}
	wantTypes := []EventType{EventTextDelta, EventTextDelta, EventToolCallRequest, EventTurnComplete}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d: expected %s, got %s", i, want, events[i].Type)
		}
	}
	if got := events[0].Text + events[1].Text; got != "Your next appointment is Tuesday." {
		t.Errorf("unexpected accumulated text %q", got)
	}
	if events[2].ToolCall == nil || events[2].ToolCall.Name != "current_time" {
		t.Errorf("unexpected tool call %+v", events[2].ToolCall)
	}
	if events[3].StopReason != "tool_use" {
		t.Errorf("expected stop reason tool_use, got %q", events[3].StopReason)
	}
}

func TestDriver_BackupRetryBeforeFirstToken(t *testing.T) {
	provider := &scriptedProvider{scripts: []providerScript{
		{err: errors.New("503 service unavailable")},
		{events: []scriptEvent{textEvent("hello"), completeEvent("end_turn")}},
	}}

	events := collect(t, newTestDriver(provider, "backup-model").Stream(context.Background(), Request{Model: "primary-model"}))

	models := provider.requestedModels()
	if len(models) != 2 || models[0] != "primary-model" || models[1] != "backup-model" {
		t.Fatalf("expected retry on backup model, got calls %v", models)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventTextDelta || events[1].Type != EventTurnComplete {
		t.Errorf("retry was not transparent: %+v", events)
	}
}

func TestDriver_BackupRetryOnTransientErrorEvent(t *testing.T) {
	provider := &scriptedProvider{scripts: []providerScript{
		{events: []scriptEvent{{ev: Event{Type: EventStreamError, Err: &StreamError{Kind: KindTransient, Message: "overloaded"}}}}},
		{events: []scriptEvent{textEvent("hi"), completeEvent("end_turn")}},
	}}

	events := collect(t, newTestDriver(provider, "backup-model").Stream(context.Background(), Request{Model: "primary-model"}))

	if calls := len(provider.requestedModels()); calls != 2 {
		t.Fatalf("expected 2 provider calls, got %d", calls)
	}
	last := events[len(events)-1]
	if last.Type != EventTurnComplete {
		t.Fatalf("expected terminal TurnComplete, got %+v", last)
	}
}

func TestDriver_NoRetryAfterFirstDelta(t *testing.T) {
	provider := &scriptedProvider{scripts: []providerScript{
		{events: []scriptEvent{
			textEvent("partial"),
			{ev: Event{Type: EventStreamError, Err: &StreamError{Kind: KindTransient, Message: "connection reset"}}},
		}},
	}}

	events := collect(t, newTestDriver(provider, "backup-model").Stream(context.Background(), Request{Model: "primary-model"}))

	if calls := len(provider.requestedModels()); calls != 1 {
		t.Fatalf("expected no retry after a delivered delta, got %d calls", calls)
	}
	last := events[len(events)-1]
	if last.Type != EventStreamError || last.Err.Kind != KindTransient {
		t.Fatalf("expected terminal transient StreamError, got %+v", last)
	}
}

func TestDriver_NoRetryOnFatal(t *testing.T) {
	provider := &scriptedProvider{scripts: []providerScript{
		{err: errors.New("invalid api key")},
	}}

	events := collect(t, newTestDriver(provider, "backup-model").Stream(context.Background(), Request{Model: "primary-model"}))

	if calls := len(provider.requestedModels()); calls != 1 {
		t.Fatalf("expected a single call for a fatal error, got %d", calls)
	}
	if len(events) != 1 || events[0].Type != EventStreamError || events[0].Err.Kind != KindFatal {
		t.Fatalf("expected a single fatal StreamError, got %+v", events)
	}
}

func TestDriver_NoBackupConfigured(t *testing.T) {
	provider := &scriptedProvider{scripts: []providerScript{
		{err: errors.New("502 bad gateway")},
	}}

	events := collect(t, newTestDriver(provider, "").Stream(context.Background(), Request{Model: "primary-model"}))

	if calls := len(provider.requestedModels()); calls != 1 {
		t.Fatalf("expected a single call without a backup model, got %d", calls)
	}
	if events[len(events)-1].Err.Kind != KindTransient {
		t.Fatalf("expected transient StreamError, got %+v", events)
	}
}

func TestDriver_BackupFailureSurfaces(t *testing.T) {
	provider := &scriptedProvider{scripts: []providerScript{
		{err: errors.New("503 service unavailable")},
		{err: errors.New("503 service unavailable")},
	}}

	events := collect(t, newTestDriver(provider, "backup-model").Stream(context.Background(), Request{Model: "primary-model"}))

	if calls := len(provider.requestedModels()); calls != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", calls)
	}
	if len(events) != 1 || events[0].Err.Kind != KindTransient {
		t.Fatalf("expected the backup failure to surface, got %+v", events)
	}
	if events[0].Err.Model != "backup-model" {
		t.Errorf("expected error attributed to backup model, got %q", events[0].Err.Model)
	}
}

func TestDriver_FirstTokenTimeout(t *testing.T) {
	provider := &scriptedProvider{scripts: []providerScript{
		{hangAfter: true},
	}}

	events := collect(t, newTestDriver(provider, "backup-model").Stream(context.Background(), Request{Model: "primary-model"}))

	if calls := len(provider.requestedModels()); calls != 1 {
		t.Fatalf("timeouts must not trigger the backup retry, got %d calls", calls)
	}
	if len(events) != 1 || events[0].Err == nil || events[0].Err.Kind != KindTimeout {
		t.Fatalf("expected timeout StreamError, got %+v", events)
	}
	if !strings.Contains(events[0].Err.Message, "first-token") {
		t.Errorf("expected first-token message, got %q", events[0].Err.Message)
	}
}

func TestDriver_InterTokenTimeout(t *testing.T) {
	provider := &scriptedProvider{scripts: []providerScript{
		{events: []scriptEvent{textEvent("stalling")}, hangAfter: true},
	}}

	events := collect(t, newTestDriver(provider, "").Stream(context.Background(), Request{Model: "primary-model"}))

	if len(events) != 2 {
		t.Fatalf("expected delta then timeout, got %+v", events)
	}
	if events[0].Type != EventTextDelta {
		t.Errorf("expected the delivered delta first, got %+v", events[0])
	}
	last := events[1]
	if last.Type != EventStreamError || last.Err.Kind != KindTimeout {
		t.Fatalf("expected timeout StreamError, got %+v", last)
	}
	if !strings.Contains(last.Err.Message, "inter-token") {
		t.Errorf("expected inter-token message, got %q", last.Err.Message)
	}
}

func TestDriver_CancelEmitsCancelledLast(t *testing.T) {
	provider := &scriptedProvider{scripts: []providerScript{
		{events: []scriptEvent{
			textEvent("first"),
			{ev: Event{Type: EventTextDelta, Text: "never delivered"}, delay: 5 * time.Second},
		}},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDriver(provider, DriverConfig{}, nil, nil)
	ch := d.Stream(ctx, Request{Model: "primary-model"})

	first := <-ch
	if first.Type != EventTextDelta || first.Text != "first" {
		t.Fatalf("unexpected first event %+v", first)
	}
	cancel()

	events := collect(t, ch)
	if len(events) == 0 {
		t.Fatal("expected a terminal event after cancellation")
	}
	last := events[len(events)-1]
	if last.Type != EventStreamError || last.Err.Kind != KindCancelled {
		t.Fatalf("expected StreamError(cancelled) last, got %+v", last)
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Type == EventStreamError || ev.Type == EventTurnComplete {
			t.Fatalf("terminal event before the cancelled error: %+v", events)
		}
	}
}

func TestDriver_ChannelClosedWithoutTerminal(t *testing.T) {
	// The script has no terminal event, so the raw channel just closes.
	provider := &scriptedProvider{scripts: []providerScript{
		{events: []scriptEvent{textEvent("cut off")}},
	}}

	events := collect(t, newTestDriver(provider, "backup-model").Stream(context.Background(), Request{Model: "primary-model"}))

	if calls := len(provider.requestedModels()); calls != 1 {
		t.Fatalf("expected no retry once a delta was delivered, got %d calls", calls)
	}
	last := events[len(events)-1]
	if last.Type != EventStreamError || last.Err.Kind != KindTransient {
		t.Fatalf("expected transient StreamError, got %+v", last)
	}
	if !strings.Contains(last.Err.Message, "terminal") {
		t.Errorf("unexpected message %q", last.Err.Message)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"context canceled", context.Canceled, KindCancelled},
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout},
		{"rate limit text", errors.New("rate limit exceeded, retry later"), KindRateLimited},
		{"429", errors.New("unexpected status 429 too many requests"), KindRateLimited},
		{"connection refused", errors.New("dial tcp: connection refused"), KindTransient},
		{"server error", errors.New("internal server error"), KindTransient},
		{"overloaded", errors.New("upstream overloaded"), KindTransient},
		{"auth", errors.New("invalid api key provided"), KindFatal},
		{"billing", errors.New("billing hard limit reached"), KindFatal},
		{"unknown model", errors.New("model not found: gpt-imaginary"), KindFatal},
		{"request timeout", errors.New("request timeout while reading body"), KindTimeout},
		{"opaque", errors.New("something odd happened"), KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{429, KindRateLimited},
		{408, KindTimeout},
		{500, KindTransient},
		{502, KindTransient},
		{503, KindTransient},
		{529, KindTransient},
		{400, KindFatal},
		{401, KindFatal},
		{402, KindFatal},
		{403, KindFatal},
		{404, KindFatal},
	}
	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestStreamError_Error(t *testing.T) {
	cause := errors.New("boom")
	err := &StreamError{Kind: KindTransient, Provider: "anthropic", Model: "m-1", Message: "boom", Cause: cause}

	s := err.Error()
	for _, want := range []string{"[llm:transient]", "anthropic", "model=m-1", "boom"} {
		if !strings.Contains(s, want) {
			t.Errorf("Error() = %q, missing %q", s, want)
		}
	}
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to reach the cause")
	}
}

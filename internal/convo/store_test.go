package convo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ringdown/ringdown/pkg/models"
)

func testStore(t *testing.T, window int) *Store {
	t.Helper()
	return NewStore(window, nil)
}

func TestAcquire_BlocksSecondHolder(t *testing.T) {
	s := testStore(t, 10)

	first, err := s.Acquire(context.Background(), "+15555550100", "ringdown-demo", "call-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	acquired := make(chan *Handle, 1)
	go func() {
		h, err := s.Acquire(context.Background(), "+15555550100", "ringdown-demo", "call-2")
		if err != nil {
			t.Errorf("second acquire: %v", err)
		}
		acquired <- h
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while the first holder was live")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()

	select {
	case h := <-acquired:
		h.Release()
	case <-time.After(time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	s := testStore(t, 10)

	first, err := s.Acquire(context.Background(), "+15555550100", "ringdown-demo", "call-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer first.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := s.Acquire(ctx, "+15555550100", "ringdown-demo", "call-2"); err == nil {
		t.Fatal("expected a context error for the blocked acquire")
	}
}

func TestTryAcquire_BusyCaller(t *testing.T) {
	s := testStore(t, 10)

	h, ok := s.TryAcquire("+15555550100", "ringdown-demo", "call-1")
	if !ok {
		t.Fatal("first TryAcquire should succeed")
	}

	if _, ok := s.TryAcquire("+15555550100", "ringdown-demo", "call-2"); ok {
		t.Fatal("second TryAcquire should report busy")
	}

	holder, _, held := s.Holder("+15555550100")
	if !held || holder != "call-1" {
		t.Fatalf("Holder() = %q, %v; want call-1, true", holder, held)
	}

	h.Release()

	if s.Held("+15555550100") {
		t.Fatal("caller should be free after release")
	}
	h2, ok := s.TryAcquire("+15555550100", "ringdown-demo", "call-2")
	if !ok {
		t.Fatal("TryAcquire after release should succeed")
	}
	h2.Release()
}

func TestAcquire_DistinctCallersIndependent(t *testing.T) {
	s := testStore(t, 10)

	a, err := s.Acquire(context.Background(), "+15555550100", "ringdown-demo", "call-a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer a.Release()

	b, err := s.Acquire(context.Background(), "+15555550101", "ringdown-demo", "call-b")
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	defer b.Release()
}

func TestRelease_Idempotent(t *testing.T) {
	s := testStore(t, 10)
	h, _ := s.TryAcquire("+15555550100", "ringdown-demo", "call-1")
	h.Release()
	h.Release()

	if s.Held("+15555550100") {
		t.Fatal("double release must not leave the caller held")
	}
}

func TestHandle_UseAfterReleasePanics(t *testing.T) {
	s := testStore(t, 10)
	h, _ := s.TryAcquire("+15555550100", "ringdown-demo", "call-1")
	h.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic from a released handle")
		}
	}()
	h.Append(models.UserMessage("too late", time.Now()))
}

func TestHistory_RetainedAcrossCalls(t *testing.T) {
	s := testStore(t, 10)

	h1, _ := s.TryAcquire("+15555550100", "ringdown-demo", "call-1")
	h1.EnsureSystem("You are Ringdown.")
	h1.Append(models.UserMessage("remember the number 7", time.Now()))
	h1.Append(models.AssistantMessage("Got it.", nil))
	h1.Release()

	h2, _ := s.TryAcquire("+15555550100", "ringdown-demo", "call-2")
	defer h2.Release()

	if !h2.HasHistory() {
		t.Fatal("history should survive release")
	}
	snap := h2.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 retained messages, got %d", len(snap))
	}
	if snap[0].Role != models.RoleSystem {
		t.Errorf("first message role = %s, want system", snap[0].Role)
	}
}

func TestSweepIdle(t *testing.T) {
	s := testStore(t, 10)
	now := time.Now()
	s.nowFunc = func() time.Time { return now }

	h, _ := s.TryAcquire("+15555550100", "ringdown-demo", "call-1")
	h.EnsureSystem("sys")
	h.Append(models.UserMessage("hi", now))
	h.Release()

	busy, _ := s.TryAcquire("+15555550101", "ringdown-demo", "call-2")
	defer busy.Release()
	busy.Append(models.UserMessage("still on the line", now))

	now = now.Add(time.Hour)

	if swept := s.SweepIdle(30 * time.Minute); swept != 1 {
		t.Fatalf("SweepIdle() = %d, want 1 (held conversations are skipped)", swept)
	}

	h2, _ := s.TryAcquire("+15555550100", "ringdown-demo", "call-3")
	defer h2.Release()
	if h2.HasHistory() {
		t.Fatal("swept conversation should start fresh")
	}
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	s := testStore(t, 10)
	h, _ := s.TryAcquire("+15555550100", "ringdown-demo", "call-1")
	defer h.Release()

	h.Append(models.AssistantMessage("Sending now. ", []models.ToolCall{
		{ID: "t1", Name: "send_email", Args: json.RawMessage(`{"to":"dan@example.com"}`)},
	}))
	h.MarkPending("t1")
	h.Append(models.ToolResultMessage("t1", "send_email", json.RawMessage(`{"ok":true}`)))
	h.ResolvePending("t1")

	snap := h.Snapshot()
	snap[0].ToolCalls[0].Args[2] = 'X'
	snap[1].Payload[2] = 'X'
	snap[0].Content = "mutated"

	fresh := h.Snapshot()
	if string(fresh[0].ToolCalls[0].Args) != `{"to":"dan@example.com"}` {
		t.Error("tool call args were not deep-copied")
	}
	if string(fresh[1].Payload) != `{"ok":true}` {
		t.Error("tool result payload was not deep-copied")
	}
	if fresh[0].Content != "Sending now. " {
		t.Error("content mutation leaked into the store")
	}
}

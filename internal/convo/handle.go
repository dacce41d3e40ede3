package convo

import (
	"fmt"
	"sort"

	"github.com/ringdown/ringdown/pkg/models"
)

// Handle grants exclusive mutation of one caller's conversation from
// Acquire until Release. Using a released handle panics: it means two
// holders believe they own the same caller.
type Handle struct {
	store    *Store
	entry    *entry
	callerID string
	released bool
}

// CallerID returns the caller this handle owns.
func (h *Handle) CallerID() string {
	return h.callerID
}

// AgentID returns the agent profile bound at acquire time.
func (h *Handle) AgentID() string {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	h.mustBeLive()
	return h.entry.record.agentID
}

// HasHistory reports whether any conversational message exists beyond the
// pinned system prompt. New callers (and swept ones) get a greeting.
func (h *Handle) HasHistory() bool {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	h.mustBeLive()
	for _, m := range h.entry.record.messages {
		if m.Role != models.RoleSystem {
			return true
		}
	}
	return false
}

// Len returns the current message count.
func (h *Handle) Len() int {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	h.mustBeLive()
	return len(h.entry.record.messages)
}

// EnsureSystem pins the system prompt as the first message, replacing the
// text of an existing one so a reconfigured prompt takes effect on the next
// call.
func (h *Handle) EnsureSystem(text string) {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	h.mustBeLive()

	rec := h.entry.record
	if len(rec.messages) > 0 && rec.messages[0].Role == models.RoleSystem {
		rec.messages[0].Content = text
		return
	}
	rec.messages = append([]models.Message{models.SystemMessage(text)}, rec.messages...)
	rec.lastTouchedAt = h.store.nowFunc()
}

// Append adds one message to the history and prunes to the window. Tool
// results must reference a tool call that is pending or already recorded;
// anything else is an ordering bug and panics.
func (h *Handle) Append(msg models.Message) {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	h.mustBeLive()

	rec := h.entry.record

	switch msg.Role {
	case models.RoleSystem:
		if len(rec.messages) > 0 {
			panic(fmt.Sprintf("conversation %s: system message appended mid-history", h.callerID))
		}
	case models.RoleToolResult:
		if !h.toolCallKnown(msg.ToolCallID) {
			panic(fmt.Sprintf("conversation %s: tool result %q references no prior tool call", h.callerID, msg.ToolCallID))
		}
	}

	rec.messages = append(rec.messages, cloneMessage(msg))
	rec.lastTouchedAt = h.store.nowFunc()

	// Pruning mid-turn could orphan a result that has not arrived yet, so
	// it waits until the turn's tool calls are settled.
	if len(rec.pending) == 0 {
		rec.messages = prune(h.callerID, rec.messages, h.store.window)
	}
}

// toolCallKnown reports whether id is pending or issued by a recorded
// assistant message. Callers hold entry.mu.
func (h *Handle) toolCallKnown(id string) bool {
	rec := h.entry.record
	if _, ok := rec.pending[id]; ok {
		return true
	}
	for _, m := range rec.messages {
		for _, tc := range m.ToolCalls {
			if tc.ID == id {
				return true
			}
		}
	}
	return false
}

// Snapshot returns a deep copy of the history in append order.
func (h *Handle) Snapshot() []models.Message {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	h.mustBeLive()

	rec := h.entry.record
	out := make([]models.Message, len(rec.messages))
	for i, m := range rec.messages {
		out[i] = cloneMessage(m)
	}
	return out
}

// MarkPending records tool call IDs awaiting results. While any are
// outstanding the turn may not stream a continuation and the history is not
// pruned.
func (h *Handle) MarkPending(ids ...string) {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	h.mustBeLive()

	for _, id := range ids {
		if id != "" {
			h.entry.record.pending[id] = struct{}{}
		}
	}
}

// ResolvePending clears one outstanding tool call. Resolving an unknown ID
// is a no-op so cancellation paths can resolve unconditionally.
func (h *Handle) ResolvePending(id string) {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	h.mustBeLive()

	delete(h.entry.record.pending, id)
	if len(h.entry.record.pending) == 0 {
		h.entry.record.messages = prune(h.callerID, h.entry.record.messages, h.store.window)
	}
}

// HasPending reports whether any tool calls await results.
func (h *Handle) HasPending() bool {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	h.mustBeLive()
	return len(h.entry.record.pending) > 0
}

// PendingIDs returns the outstanding tool call IDs, sorted for stable
// logging.
func (h *Handle) PendingIDs() []string {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()
	h.mustBeLive()

	out := make([]string, 0, len(h.entry.record.pending))
	for id := range h.entry.record.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Release returns ownership of the caller's conversation. Idempotent; the
// history is retained for the next call.
func (h *Handle) Release() {
	h.entry.mu.Lock()
	if h.released {
		h.entry.mu.Unlock()
		return
	}
	h.released = true
	h.entry.holder = ""
	h.entry.mu.Unlock()

	<-h.entry.sem
}

func (h *Handle) mustBeLive() {
	if h.released {
		panic(fmt.Sprintf("conversation %s: handle used after release", h.callerID))
	}
}

func cloneMessage(m models.Message) models.Message {
	out := m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]models.ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			if len(tc.Args) > 0 {
				out.ToolCalls[i].Args = append([]byte(nil), tc.Args...)
			}
		}
	}
	if len(m.Payload) > 0 {
		out.Payload = append([]byte(nil), m.Payload...)
	}
	return out
}

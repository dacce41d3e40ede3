package convo

import (
	"fmt"

	"github.com/ringdown/ringdown/pkg/models"
)

// prune drops the oldest non-system messages until the history fits the
// window. An assistant message that issued tool calls is removed together
// with every one of its tool results, so no result ever outlives the call
// it answers. Ordering violations discovered here are bugs in the appending
// code and panic.
func prune(callerID string, messages []models.Message, window int) []models.Message {
	for len(messages) > window {
		idx := oldestPrunable(messages)
		if idx < 0 {
			// Only the system message remains yet we exceed the window;
			// NewStore clamps the window above 1, so this cannot happen.
			panic(fmt.Sprintf("conversation %s: nothing prunable above window %d", callerID, window))
		}

		victim := messages[idx]
		switch {
		case victim.Role == models.RoleToolResult:
			panic(fmt.Sprintf("conversation %s: tool result %q precedes its assistant message", callerID, victim.ToolCallID))

		case victim.HasToolCalls():
			drop := make(map[string]struct{}, len(victim.ToolCalls))
			for _, tc := range victim.ToolCalls {
				drop[tc.ID] = struct{}{}
			}
			kept := messages[:idx:idx]
			for _, m := range messages[idx+1:] {
				if m.Role == models.RoleToolResult {
					if _, gone := drop[m.ToolCallID]; gone {
						continue
					}
				}
				kept = append(kept, m)
			}
			messages = kept

		default:
			messages = append(messages[:idx:idx], messages[idx+1:]...)
		}
	}
	return messages
}

// oldestPrunable returns the index of the oldest message that pruning may
// remove, or -1 when only the pinned system message remains.
func oldestPrunable(messages []models.Message) int {
	for i, m := range messages {
		if m.Role != models.RoleSystem {
			return i
		}
	}
	return -1
}

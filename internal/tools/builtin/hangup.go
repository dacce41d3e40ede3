package builtin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ringdown/ringdown/internal/tools"
)

// HangUpArgs are the arguments for the hang_up tool.
type HangUpArgs struct {
	Reason string `json:"reason,omitempty" jsonschema:"description=Short reason for ending the call, e.g. caller said goodbye"`
}

// HangUp returns the hang_up tool spec. The session loop reads the control
// payload, speaks any remaining text, and closes the call.
func HangUp() tools.Spec {
	return tools.Spec{
		Name:        "hang_up",
		Description: "End the phone call. Use only after saying goodbye, or when the caller asks to hang up.",
		PromptBlurb: "When the conversation is over, say goodbye and then call hang_up.",
		Args:        HangUpArgs{},
		Timeout:     5 * time.Second,
		Handler: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args HangUpArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]any{
				"ok":         true,
				ControlField: ControlHangUp,
				"reason":     args.Reason,
			})
		},
	}
}

package builtin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ringdown/ringdown/internal/tools"
)

// CurrentTimeArgs are the arguments for the current_time tool.
type CurrentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name such as America/New_York. Defaults to UTC."`
}

// CurrentTime returns the current_time tool spec.
func CurrentTime() tools.Spec {
	return currentTimeSpec(time.Now)
}

func currentTimeSpec(now func() time.Time) tools.Spec {
	return tools.Spec{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a specific IANA timezone.",
		PromptBlurb: "Use current_time when the caller asks about the date or time.",
		Args:        CurrentTimeArgs{},
		Timeout:     5 * time.Second,
		Handler: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args CurrentTimeArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}

			loc := time.UTC
			if args.Timezone != "" {
				parsed, err := time.LoadLocation(args.Timezone)
				if err != nil {
					return nil, tools.InvalidArgs("current_time", "unknown timezone: "+args.Timezone)
				}
				loc = parsed
			}

			t := now().In(loc)
			return json.Marshal(map[string]any{
				"ok":       true,
				"iso":      t.Format(time.RFC3339),
				"spoken":   t.Format("Monday, January 2 at 3:04 PM"),
				"timezone": loc.String(),
			})
		},
	}
}

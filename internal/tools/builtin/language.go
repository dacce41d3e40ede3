package builtin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ringdown/ringdown/internal/tools"
)

// Control payload keys and values. Tool results carrying a "control" field
// are interpreted by the session loop in addition to being appended to the
// conversation.
const (
	ControlField          = "control"
	ControlSwitchLanguage = "switch_language"
	ControlHangUp         = "hang_up"
)

// SwitchLanguageArgs are the arguments for the switch_language tool.
type SwitchLanguageArgs struct {
	TTSLanguage           string `json:"tts_language" jsonschema:"description=BCP-47 code for speech synthesis such as es-MX"`
	TranscriptionLanguage string `json:"transcription_language,omitempty" jsonschema:"description=BCP-47 code for transcription. Defaults to the TTS language."`
}

// SwitchLanguage returns the switch_language tool spec. The session loop
// reads the control payload and pushes a language frame to the caller.
func SwitchLanguage() tools.Spec {
	return tools.Spec{
		Name:        "switch_language",
		Description: "Switch the conversation's spoken and transcribed language. Use when the caller asks to continue in another language.",
		PromptBlurb: "If the caller asks for another language, call switch_language and then continue in that language.",
		Args:        SwitchLanguageArgs{},
		Timeout:     5 * time.Second,
		Handler: func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
			var args SwitchLanguageArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			if args.TranscriptionLanguage == "" {
				args.TranscriptionLanguage = args.TTSLanguage
			}
			return json.Marshal(map[string]any{
				"ok":                     true,
				ControlField:             ControlSwitchLanguage,
				"tts_language":           args.TTSLanguage,
				"transcription_language": args.TranscriptionLanguage,
			})
		},
	}
}

// ControlPayload is the decoded shape of a control-bearing tool result.
type ControlPayload struct {
	OK                    bool   `json:"ok"`
	Control               string `json:"control"`
	TTSLanguage           string `json:"tts_language,omitempty"`
	TranscriptionLanguage string `json:"transcription_language,omitempty"`
	Reason                string `json:"reason,omitempty"`
}

// DecodeControl extracts a control payload from a tool result. It returns
// false for results that carry no control field.
func DecodeControl(payload json.RawMessage) (ControlPayload, bool) {
	var decoded ControlPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return ControlPayload{}, false
	}
	return decoded, decoded.Control != ""
}

package models

import "time"

// RecipientPolicy restricts destinations an agent's messaging tools may
// target. Patterns are literal addresses or regular expressions.
type RecipientPolicy struct {
	Enforced bool     `json:"enforced"`
	Patterns []string `json:"patterns,omitempty"`
}

// AgentProfile is the per-caller personality and policy bundle. Profiles are
// immutable after config load; callers receive copies.
type AgentProfile struct {
	ID                    string            `json:"id"`
	PhoneNumbers          []string          `json:"phone_numbers,omitempty"`
	PromptTemplate        string            `json:"prompt_template"`
	Model                 string            `json:"model"`
	BackupModel           string            `json:"backup_model,omitempty"`
	VoiceID               string            `json:"voice_id,omitempty"`
	ToolAllowlist         []string          `json:"tool_allowlist,omitempty"`
	DocScope              []string          `json:"doc_scope,omitempty"`
	RecipientPolicy       RecipientPolicy   `json:"recipient_policy"`
	Greeting              string            `json:"greeting,omitempty"`
	FallbackMessage       string            `json:"fallback_message,omitempty"`
	MaxToolIterations     int               `json:"max_tool_iterations"`
	MaxDisconnectSeconds  int               `json:"max_disconnect_seconds"`
	ContinueConversation  bool              `json:"continue_conversation"`
	TTSLanguage           string            `json:"tts_language,omitempty"`
	TranscriptionLanguage string            `json:"transcription_language,omitempty"`
	DTMFPrompts           map[string]string `json:"dtmf_prompts,omitempty"`
}

// AllowsTool reports whether the tool name is on the profile's allowlist.
// An empty allowlist permits nothing.
func (p *AgentProfile) AllowsTool(name string) bool {
	for _, t := range p.ToolAllowlist {
		if t == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so registry consumers cannot mutate shared state.
func (p *AgentProfile) Clone() *AgentProfile {
	if p == nil {
		return nil
	}
	out := *p
	out.PhoneNumbers = append([]string(nil), p.PhoneNumbers...)
	out.ToolAllowlist = append([]string(nil), p.ToolAllowlist...)
	out.DocScope = append([]string(nil), p.DocScope...)
	out.RecipientPolicy.Patterns = append([]string(nil), p.RecipientPolicy.Patterns...)
	if p.DTMFPrompts != nil {
		out.DTMFPrompts = make(map[string]string, len(p.DTMFPrompts))
		for k, v := range p.DTMFPrompts {
			out.DTMFPrompts[k] = v
		}
	}
	return &out
}

// DisconnectTimeout converts MaxDisconnectSeconds to a duration, falling back
// to the given default when unset.
func (p *AgentProfile) DisconnectTimeout(fallback time.Duration) time.Duration {
	if p.MaxDisconnectSeconds <= 0 {
		return fallback
	}
	return time.Duration(p.MaxDisconnectSeconds) * time.Second
}

// Package profile resolves caller identities to agent profiles.
//
// Profiles are assembled once from the configuration: the defaults block
// fills every field an agent omits, and the {ToolPrompts} token in prompts
// is expanded with the enabled tools' usage blurbs. After construction the
// registry is read-only; Resolve is cheap and side-effect-free and returns
// clones so callers cannot mutate shared state.
package profile

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ringdown/ringdown/internal/config"
	"github.com/ringdown/ringdown/internal/observability"
	"github.com/ringdown/ringdown/pkg/models"
)

// ErrUnknownCaller is returned when no profile matches the caller and no
// default agent is configured.
var ErrUnknownCaller = errors.New("unknown caller")

// Registry holds the immutable agent profiles.
type Registry struct {
	profiles  map[string]*models.AgentProfile
	byNumber  map[string]string
	defaultID string
	logger    *observability.Logger
}

// NewRegistry builds the registry from configuration. blurbs maps tool
// names to their prompt blurbs for {ToolPrompts} expansion; pass the tool
// registry's PromptBlurbs().
func NewRegistry(cfg *config.Config, blurbs map[string]string, logger *observability.Logger) (*Registry, error) {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}

	r := &Registry{
		profiles: make(map[string]*models.AgentProfile, len(cfg.Agents)),
		byNumber: make(map[string]string),
		logger:   logger,
	}

	ids := make([]string, 0, len(cfg.Agents))
	for id := range cfg.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		agent := cfg.Agents[id]
		p, err := buildProfile(id, agent, cfg.Defaults, blurbs)
		if err != nil {
			return nil, err
		}

		for _, number := range p.PhoneNumbers {
			if owner, taken := r.byNumber[number]; taken {
				return nil, fmt.Errorf("profile: number %s claimed by both %q and %q", number, owner, id)
			}
			r.byNumber[number] = id
		}

		if agent.Default {
			r.defaultID = id
		}
		r.profiles[id] = p
	}

	return r, nil
}

func buildProfile(id string, agent config.AgentConfig, defaults config.DefaultsConfig, blurbs map[string]string) (*models.AgentProfile, error) {
	p := &models.AgentProfile{
		ID:                    id,
		Model:                 agent.Model,
		BackupModel:           agent.BackupModel,
		VoiceID:               agent.Voice,
		Greeting:              agent.Greeting,
		FallbackMessage:       agent.FallbackMessage,
		TTSLanguage:           agent.TTSLanguage,
		TranscriptionLanguage: agent.TranscriptionLanguage,
		DocScope:              append([]string(nil), agent.DocsFolderGreenlist...),
		RecipientPolicy: models.RecipientPolicy{
			Enforced: agent.EmailGreenlistEnforced != nil && *agent.EmailGreenlistEnforced,
			Patterns: append([]string(nil), agent.EmailGreenlist...),
		},
	}

	if p.Model == "" {
		p.Model = defaults.Model
	}
	if p.BackupModel == "" {
		p.BackupModel = defaults.BackupModel
	}
	if p.VoiceID == "" {
		p.VoiceID = defaults.Voice
	}
	if p.FallbackMessage == "" {
		p.FallbackMessage = defaults.FallbackMessage
	}

	// nil means "inherit"; an explicitly empty list disables all tools.
	if agent.Tools != nil {
		p.ToolAllowlist = append([]string(nil), agent.Tools...)
	} else {
		p.ToolAllowlist = append([]string(nil), defaults.Tools...)
	}

	if agent.MaxToolIterations != nil {
		p.MaxToolIterations = *agent.MaxToolIterations
	} else {
		p.MaxToolIterations = defaults.MaxToolIterations
	}
	if agent.MaxDisconnectSeconds != nil {
		p.MaxDisconnectSeconds = *agent.MaxDisconnectSeconds
	} else {
		p.MaxDisconnectSeconds = defaults.MaxDisconnectSeconds
	}

	// Callers keep their history between calls unless the agent opts out.
	p.ContinueConversation = agent.ContinueConversation == nil || *agent.ContinueConversation

	if len(agent.DTMFPrompts) > 0 {
		p.DTMFPrompts = make(map[string]string, len(agent.DTMFPrompts))
		for digit, prompt := range agent.DTMFPrompts {
			p.DTMFPrompts[digit] = prompt
		}
	}

	for _, number := range agent.PhoneNumbers {
		normalized, err := models.NormalizeCallerID(number)
		if err != nil {
			return nil, fmt.Errorf("profile %q: phone number %q: %w", id, number, err)
		}
		p.PhoneNumbers = append(p.PhoneNumbers, normalized)
	}

	p.PromptTemplate = config.SubstituteToolPrompts(agent.Prompt, p.ToolAllowlist, blurbs)
	return p, nil
}

// Resolve maps a caller to their agent profile. Unmatched callers fall back
// to the default agent; without one, ErrUnknownCaller is returned.
func (r *Registry) Resolve(callerID string) (*models.AgentProfile, error) {
	if normalized, err := models.NormalizeCallerID(callerID); err == nil {
		if id, ok := r.byNumber[normalized]; ok {
			return r.profiles[id].Clone(), nil
		}
	}
	if r.defaultID != "" {
		return r.profiles[r.defaultID].Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCaller, callerID)
}

// Get returns the profile with the given agent ID.
func (r *Registry) Get(id string) (*models.AgentProfile, bool) {
	p, ok := r.profiles[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Default returns the default agent profile, if one is configured.
func (r *Registry) Default() (*models.AgentProfile, bool) {
	if r.defaultID == "" {
		return nil, false
	}
	return r.profiles[r.defaultID].Clone(), true
}

// List returns every profile sorted by agent ID.
func (r *Registry) List() []*models.AgentProfile {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*models.AgentProfile, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.profiles[id].Clone())
	}
	return out
}

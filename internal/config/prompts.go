package config

import "strings"

// ToolPromptsToken is the literal token agents may embed in their prompt;
// it is replaced at profile-load time by the usage blurbs of the agent's
// enabled tools.
const ToolPromptsToken = "{ToolPrompts}"

// SubstituteToolPrompts expands ToolPromptsToken in prompt with the blurbs
// of the enabled tools, in the order the tools are listed. Tools without a
// blurb contribute nothing. Prompts without the token pass through
// unchanged.
func SubstituteToolPrompts(prompt string, enabledTools []string, blurbs map[string]string) string {
	if !strings.Contains(prompt, ToolPromptsToken) {
		return prompt
	}

	var parts []string
	for _, name := range enabledTools {
		if blurb, ok := blurbs[name]; ok && strings.TrimSpace(blurb) != "" {
			parts = append(parts, strings.TrimSpace(blurb))
		}
	}
	return strings.ReplaceAll(prompt, ToolPromptsToken, strings.Join(parts, "\n"))
}

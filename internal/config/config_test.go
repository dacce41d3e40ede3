package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
defaults:
  model: claude-sonnet-4-5
  backup_model: gpt-4o
  voice: alloy
  max_disconnect_seconds: 90
  max_tool_iterations: 5
  tools: [SendEmail, CurrentTime]
agents:
  ringdown-demo:
    phone_numbers: ["+15555550100"]
    prompt: "You are Dan's assistant. {ToolPrompts}"
    greeting: "Hi Dan!"
    default: true
`

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ringdown.yaml", minimalYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Defaults.Model != "claude-sonnet-4-5" {
		t.Errorf("defaults.model = %q", cfg.Defaults.Model)
	}
	if cfg.Defaults.MaxToolIterations != 5 {
		t.Errorf("defaults.max_tool_iterations = %d, want 5", cfg.Defaults.MaxToolIterations)
	}
	agent, ok := cfg.Agents["ringdown-demo"]
	if !ok {
		t.Fatal("agent ringdown-demo missing")
	}
	if agent.Greeting != "Hi Dan!" || !agent.Default {
		t.Errorf("agent = %+v", agent)
	}

	// applyDefaults filled the rest
	if cfg.Server.Addr != ":8080" {
		t.Errorf("server.addr default = %q", cfg.Server.Addr)
	}
	if cfg.Server.ReadHeaderTimeout != 5*time.Second {
		t.Errorf("read_header_timeout default = %v", cfg.Server.ReadHeaderTimeout)
	}
	if cfg.Conversation.Window != 40 {
		t.Errorf("conversation.window default = %d", cfg.Conversation.Window)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("llm.provider default = %q", cfg.LLM.Provider)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ringdown.json5", `{
		// comments are allowed in json5
		defaults: { model: "claude-sonnet-4-5" },
		agents: {
			demo: { phone_numbers: ["+15555550100"], prompt: "hello" },
		},
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Agents["demo"].Prompt != "hello" {
		t.Errorf("agent prompt = %q", cfg.Agents["demo"].Prompt)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("RINGDOWN_TEST_MODEL", "claude-sonnet-4-5")
	dir := t.TempDir()
	path := writeFile(t, dir, "cfg.yaml", `
defaults:
  model: ${RINGDOWN_TEST_MODEL}
agents:
  demo:
    phone_numbers: ["+15555550100"]
    prompt: hi
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Defaults.Model != "claude-sonnet-4-5" {
		t.Errorf("env expansion failed: model = %q", cfg.Defaults.Model)
	}
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
defaults:
  model: claude-sonnet-4-5
`)
	path := writeFile(t, dir, "main.yaml", `
$include: base.yaml
agents:
  demo:
    phone_numbers: ["+15555550100"]
    prompt: hi
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Defaults.Model != "claude-sonnet-4-5" {
		t.Errorf("included defaults missing: model = %q", cfg.Defaults.Model)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no agents", `
defaults: { model: m }
agents: {}
`},
		{"missing prompt", `
defaults: { model: m }
agents:
  demo: { phone_numbers: ["+15555550100"] }
`},
		{"bad phone number", `
defaults: { model: m }
agents:
  demo: { phone_numbers: ["not-a-number"], prompt: hi }
`},
		{"two defaults", `
defaults: { model: m }
agents:
  a: { phone_numbers: ["+15555550100"], prompt: hi, default: true }
  b: { phone_numbers: ["+15555550101"], prompt: hi, default: true }
`},
		{"unknown key", `
defaults: { model: m }
agents:
  demo: { phone_numbers: ["+15555550100"], prompt: hi }
surprise: true
`},
		{"archive without dsn", `
defaults: { model: m }
archive: { enabled: true }
agents:
  demo: { phone_numbers: ["+15555550100"], prompt: hi }
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeFile(t, dir, "cfg.yaml", tc.body)
			if _, err := Load(path); err == nil {
				t.Error("Load() succeeded, want error")
			}
		})
	}
}

func TestSubstituteToolPrompts(t *testing.T) {
	blurbs := map[string]string{
		"SendEmail":   "Use SendEmail to send short emails.",
		"CurrentTime": "Use CurrentTime for date or time questions.",
	}

	got := SubstituteToolPrompts(
		"You are an assistant.\n{ToolPrompts}\nBe brief.",
		[]string{"SendEmail", "CurrentTime", "Unknown"},
		blurbs,
	)
	want := "You are an assistant.\nUse SendEmail to send short emails.\nUse CurrentTime for date or time questions.\nBe brief."
	if got != want {
		t.Errorf("SubstituteToolPrompts:\n got %q\nwant %q", got, want)
	}

	// no token: pass-through
	if got := SubstituteToolPrompts("plain", []string{"SendEmail"}, blurbs); got != "plain" {
		t.Errorf("pass-through = %q", got)
	}
}

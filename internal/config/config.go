// Package config loads and validates the declarative Ringdown configuration:
// server wiring, LLM provider credentials, the defaults block, and the agent
// profiles keyed by caller phone number.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ringdown/ringdown/pkg/models"
)

// EnvConfigPath selects the configuration file when --config is not given.
const EnvConfigPath = "RINGDOWN_CONFIG_PATH"

// Config is the root configuration document.
type Config struct {
	Server        ServerConfig           `yaml:"server"`
	LLM           LLMConfig              `yaml:"llm"`
	Observability ObservabilityConfig    `yaml:"observability"`
	Conversation  ConversationConfig     `yaml:"conversation"`
	Archive       ArchiveConfig          `yaml:"archive"`
	Control       ControlConfig          `yaml:"control"`
	Devices       DevicesConfig          `yaml:"devices"`
	Maintenance   MaintenanceConfig      `yaml:"maintenance"`
	Defaults      DefaultsConfig         `yaml:"defaults"`
	Agents        map[string]AgentConfig `yaml:"agents"`
}

// ServerConfig wires the HTTP/WebSocket listener.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// PublicBaseURL is used when composing absolute URLs handed to mobile
	// clients (room URL, control poll path).
	PublicBaseURL string `yaml:"public_base_url"`
	// TokenSecret signs managed-AV access tokens. Required when the mobile
	// endpoints are used.
	TokenSecret string `yaml:"token_secret"`
	// TokenTTL bounds managed-AV access token lifetime.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// LLMConfig selects and authenticates the streaming providers.
type LLMConfig struct {
	// Provider is the primary driver: "anthropic" or "openai".
	Provider        string `yaml:"provider"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	// OpenAIBaseURL points the OpenAI driver at a compatible deployment.
	OpenAIBaseURL string `yaml:"openai_base_url"`
}

// ObservabilityConfig tunes logging and tracing.
type ObservabilityConfig struct {
	LogLevel     string  `yaml:"log_level"`
	LogFormat    string  `yaml:"log_format"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	OTLPInsecure bool    `yaml:"otlp_insecure"`
}

// ConversationConfig bounds the in-memory store.
type ConversationConfig struct {
	// Window is the maximum message count per caller before pruning.
	Window int `yaml:"window"`
	// IdleMinutes drops conversations untouched for this long (0 disables
	// the sweep).
	IdleMinutes int `yaml:"idle_minutes"`
}

// ArchiveConfig enables the write-only call log.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`
	// Driver is "postgres" or "sqlite".
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
	RetentionDays int    `yaml:"retention_days"`
}

// ControlConfig gates the control-audio test harness.
type ControlConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SpoolDir string `yaml:"spool_dir"`
}

// DevicesConfig seeds the mobile device registry.
type DevicesConfig struct {
	Greenlist        []string `yaml:"greenlist"`
	Denylist         []string `yaml:"denylist"`
	PollAfterSeconds int      `yaml:"poll_after_seconds"`
}

// MaintenanceConfig schedules the background sweeps.
type MaintenanceConfig struct {
	// Schedule is a cron expression (robfig syntax, @every accepted).
	Schedule string `yaml:"schedule"`
}

// DefaultsConfig is the defaults block applied to agents that omit a
// field.
type DefaultsConfig struct {
	Model                string   `yaml:"model"`
	BackupModel          string   `yaml:"backup_model"`
	Voice                string   `yaml:"voice"`
	MaxDisconnectSeconds int      `yaml:"max_disconnect_seconds"`
	MaxToolIterations    int      `yaml:"max_tool_iterations"`
	Tools                []string `yaml:"tools"`
	FallbackMessage      string   `yaml:"fallback_message"`
}

// AgentConfig is one agent entry. Pointer fields distinguish "unset" from
// zero so defaults apply correctly.
type AgentConfig struct {
	PhoneNumbers           []string          `yaml:"phone_numbers"`
	Prompt                 string            `yaml:"prompt"`
	Tools                  []string          `yaml:"tools"`
	Voice                  string            `yaml:"voice"`
	Model                  string            `yaml:"model"`
	BackupModel            string            `yaml:"backup_model"`
	Greeting               string            `yaml:"greeting"`
	FallbackMessage        string            `yaml:"fallback_message"`
	EmailGreenlistEnforced *bool             `yaml:"email_greenlist_enforced"`
	EmailGreenlist         []string          `yaml:"email_greenlist"`
	DocsFolderGreenlist    []string          `yaml:"docs_folder_greenlist"`
	MaxToolIterations      *int              `yaml:"max_tool_iterations"`
	MaxDisconnectSeconds   *int              `yaml:"max_disconnect_seconds"`
	ContinueConversation   *bool             `yaml:"continue_conversation"`
	TTSLanguage            string            `yaml:"tts_language"`
	TranscriptionLanguage  string            `yaml:"transcription_language"`
	DTMFPrompts            map[string]string `yaml:"dtmf_prompts"`
	// Default marks this agent as the fallback for unmatched callers. At
	// most one agent may be the default.
	Default bool `yaml:"default"`
}

// Load reads, expands, decodes, defaults, and validates the configuration at
// path. An empty path falls back to $RINGDOWN_CONFIG_PATH, then to the
// well-known locations probed by DefaultPath.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if strings.TrimSpace(path) == "" {
		path = DefaultPath()
	}
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.TokenTTL <= 0 {
		c.Server.TokenTTL = 15 * time.Minute
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "json"
	}
	if c.Conversation.Window <= 0 {
		c.Conversation.Window = 40
	}
	if c.Archive.Driver == "" {
		c.Archive.Driver = "sqlite"
	}
	if c.Archive.RetentionDays <= 0 {
		c.Archive.RetentionDays = 30
	}
	if c.Devices.PollAfterSeconds <= 0 {
		c.Devices.PollAfterSeconds = 5
	}
	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "@every 1m"
	}
	if c.Defaults.MaxDisconnectSeconds <= 0 {
		c.Defaults.MaxDisconnectSeconds = 120
	}
	if c.Defaults.MaxToolIterations <= 0 {
		c.Defaults.MaxToolIterations = 10
	}
	if c.Defaults.FallbackMessage == "" {
		c.Defaults.FallbackMessage = "Sorry, I hit a snag. Could you say that again?"
	}
}

// Validate fails fast on malformed configuration.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("config: at least one agent is required")
	}
	if c.Defaults.Model == "" {
		return fmt.Errorf("config: defaults.model is required")
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config: llm.provider %q is not supported", c.LLM.Provider)
	}

	switch c.Archive.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: archive.driver %q is not supported", c.Archive.Driver)
	}
	if c.Archive.Enabled && strings.TrimSpace(c.Archive.DSN) == "" {
		return fmt.Errorf("config: archive.dsn is required when archive is enabled")
	}
	if c.Control.Enabled && strings.TrimSpace(c.Control.SpoolDir) == "" {
		return fmt.Errorf("config: control.spool_dir is required when the control harness is enabled")
	}

	defaults := 0
	for id, agent := range c.Agents {
		if strings.TrimSpace(agent.Prompt) == "" {
			return fmt.Errorf("config: agent %q has no prompt", id)
		}
		if agent.Default {
			defaults++
		}
		for _, number := range agent.PhoneNumbers {
			if _, err := models.NormalizeCallerID(number); err != nil {
				return fmt.Errorf("config: agent %q phone number %q: %w", id, number, err)
			}
		}
	}
	if defaults > 1 {
		return fmt.Errorf("config: multiple agents marked default")
	}
	return nil
}

// ControlHarnessEnabled reports whether the control harness is on, honoring
// the RINGDOWN_CONTROL_HARNESS environment override.
func (c *Config) ControlHarnessEnabled() bool {
	if v := os.Getenv("RINGDOWN_CONTROL_HARNESS"); v != "" {
		return v == "1" || strings.EqualFold(v, "true")
	}
	return c.Control.Enabled
}

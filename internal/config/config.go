package config

import (
	"encoding/json"
	"errors"
	"os"
	"time"
)

// Config is the turnloop configuration.
type Config struct {
	Model     ModelConfig     `json:"model" yaml:"model" mapstructure:"model"`
	Providers ProvidersConfig `json:"providers" yaml:"providers" mapstructure:"providers"`
	Agent     AgentConfig     `json:"agent" yaml:"agent" mapstructure:"agent"`
	Hooks     HooksConfig     `json:"hooks" yaml:"hooks" mapstructure:"hooks"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" mapstructure:"logging"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway" mapstructure:"gateway"`

	// DataDir holds logs and the audit trail. Defaults to ~/.turnloop.
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
}

// ModelConfig selects the model every turn is sent to.
type ModelConfig struct {
	Provider      string  `json:"provider" yaml:"provider" mapstructure:"provider"` // anthropic, openai, replay
	ID            string  `json:"id" yaml:"id" mapstructure:"id"`
	ContextWindow int     `json:"context_window" yaml:"context_window" mapstructure:"context_window"`
	MaxTokens     int     `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature   float64 `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
}

// ProvidersConfig holds per-provider connection settings.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic" yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    ProviderConfig `json:"openai" yaml:"openai" mapstructure:"openai"`
	Replay    ReplayConfig   `json:"replay" yaml:"replay" mapstructure:"replay"`
}

// ProviderConfig configures an HTTP model provider. APIKey wins over APIKeyEnv.
type ProviderConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	APIKeyEnv string `json:"api_key_env" yaml:"api_key_env" mapstructure:"api_key_env"`
	BaseURL   string `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
}

// ResolveAPIKey returns the configured key or the value of APIKeyEnv.
func (p ProviderConfig) ResolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// ReplayConfig points the replay provider at a YAML fixture.
type ReplayConfig struct {
	Fixture string `json:"fixture" yaml:"fixture" mapstructure:"fixture"`
}

// SystemPartConfig is one named section of the system prompt.
type SystemPartConfig struct {
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	Text string `json:"text" yaml:"text" mapstructure:"text"`
}

// ToolPolicyConfig filters the built-in tools.
type ToolPolicyConfig struct {
	Allow []string `json:"allow" yaml:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" yaml:"deny" mapstructure:"deny"`
	// RequireApproval lists tools whose calls wait for an interactive
	// approval. Without an approver those calls are denied.
	RequireApproval []string `json:"require_approval" yaml:"require_approval" mapstructure:"require_approval"`
	// ApprovalTimeout is in seconds; zero selects the executor default.
	ApprovalTimeout int `json:"approval_timeout" yaml:"approval_timeout" mapstructure:"approval_timeout"`
}

// AgentConfig shapes the envelope and the tool phase.
type AgentConfig struct {
	SystemParts    []SystemPartConfig `json:"system_parts" yaml:"system_parts" mapstructure:"system_parts"`
	Tools          ToolPolicyConfig   `json:"tools" yaml:"tools" mapstructure:"tools"`
	WorkDir        string             `json:"work_dir" yaml:"work_dir" mapstructure:"work_dir"`
	ToolTimeout    int                `json:"tool_timeout" yaml:"tool_timeout" mapstructure:"tool_timeout"` // seconds
	MaxOutputBytes int                `json:"max_output_bytes" yaml:"max_output_bytes" mapstructure:"max_output_bytes"`
	SteeringMode   string             `json:"steering_mode" yaml:"steering_mode" mapstructure:"steering_mode"`
	FollowUpMode   string             `json:"follow_up_mode" yaml:"follow_up_mode" mapstructure:"follow_up_mode"`
	// CompactReserve is the token headroom below the context limit that
	// triggers compaction. Zero disables automatic compaction.
	CompactReserve int `json:"compact_reserve" yaml:"compact_reserve" mapstructure:"compact_reserve"`
}

// ToolTimeoutDuration converts ToolTimeout to a duration.
func (a AgentConfig) ToolTimeoutDuration() time.Duration {
	return time.Duration(a.ToolTimeout) * time.Second
}

// HookConfig is one shell hook.
type HookConfig struct {
	ID      string `json:"id" yaml:"id" mapstructure:"id"`
	Event   string `json:"event" yaml:"event" mapstructure:"event"`
	Script  string `json:"script" yaml:"script" mapstructure:"script"`
	Timeout int    `json:"timeout" yaml:"timeout" mapstructure:"timeout"` // seconds
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	// Tools limits tool_execution_end hooks to the named tools.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty" mapstructure:"tools"`
}

// HooksConfig holds shell lifecycle hooks.
type HooksConfig struct {
	Enabled bool         `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Entries []HookConfig `json:"entries" yaml:"entries" mapstructure:"entries"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level" mapstructure:"level"`
	File      string `json:"file" yaml:"file" mapstructure:"file"`
	Console   bool   `json:"console" yaml:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" yaml:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" yaml:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" yaml:"max_age" mapstructure:"max_age"`    // days
	Compress  bool   `json:"compress" yaml:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" yaml:"redaction" mapstructure:"redaction"`
	// Audit enables the JSONL audit trail of tool calls and context patches.
	Audit bool `json:"audit" yaml:"audit" mapstructure:"audit"`
}

// MetricsConfig exposes Prometheus metrics and OpenTelemetry tracing.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Address string `json:"address" yaml:"address" mapstructure:"address"`
	Tracing bool   `json:"tracing" yaml:"tracing" mapstructure:"tracing"`
	// TraceSampleRatio is the fraction of new traces sampled. Zero samples all.
	TraceSampleRatio float64 `json:"trace_sample_ratio" yaml:"trace_sample_ratio" mapstructure:"trace_sample_ratio"`
}

// GatewayConfig holds the websocket event gateway settings.
type GatewayConfig struct {
	Host         string `json:"host" yaml:"host" mapstructure:"host"`
	Port         int    `json:"port" yaml:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" yaml:"shared_secret" mapstructure:"shared_secret"`
	// RateLimit is the number of requests a client may send per minute.
	RateLimit int `json:"rate_limit" yaml:"rate_limit" mapstructure:"rate_limit"`
	// MaxInFlight caps a client's concurrent requests.
	MaxInFlight int `json:"max_in_flight" yaml:"max_in_flight" mapstructure:"max_in_flight"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:      "anthropic",
			ID:            "claude-sonnet-4-5",
			ContextWindow: 200000,
			MaxTokens:     8192,
		},
		Providers: ProvidersConfig{
			Anthropic: ProviderConfig{APIKeyEnv: "ANTHROPIC_API_KEY"},
			OpenAI:    ProviderConfig{APIKeyEnv: "OPENAI_API_KEY"},
		},
		Agent: AgentConfig{
			SystemParts: []SystemPartConfig{
				{Name: "base", Text: "You are a helpful coding agent. Use the available tools to inspect and change files."},
			},
			Tools:          ToolPolicyConfig{Allow: []string{"*"}},
			WorkDir:        ".",
			ToolTimeout:    120,
			MaxOutputBytes: 50 * 1024,
			SteeringMode:   "one-at-a-time",
			FollowUpMode:   "one-at-a-time",
			CompactReserve: 16384,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9090",
		},
		Gateway: GatewayConfig{
			Host:        "127.0.0.1",
			Port:        8080,
			RateLimit:   120,
			MaxInFlight: 10,
		},
	}
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.Providers.Anthropic.APIKey != "" {
		masked.Providers.Anthropic.APIKey = "***"
	}
	if masked.Providers.OpenAI.APIKey != "" {
		masked.Providers.OpenAI.APIKey = "***"
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}

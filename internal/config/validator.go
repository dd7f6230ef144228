package config

import (
	"fmt"
	"slices"
	"strings"
)

var (
	validProviders  = []string{"anthropic", "openai", "replay"}
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validQueueModes = []string{"one-at-a-time", "all"}
	validHookEvents = []string{"agent_start", "turn_start", "turn_end", "agent_end", "tool_execution_end"}
)

// Validator validates configuration values.
type Validator struct{}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(value string, valid []string) bool {
	for _, v := range valid {
		if value == v {
			return true
		}
	}
	return false
}

// ValidateProvider checks the model provider name.
func (v *Validator) ValidateProvider(provider string) error {
	if !oneOf(provider, validProviders) {
		return fmt.Errorf("invalid provider %q (must be one of: %s)", provider, strings.Join(validProviders, ", "))
	}
	return nil
}

// ValidateAPIKey validates an API key format.
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key is not set", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

// ValidateTemperature validates a sampling temperature.
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", temp)
	}
	return nil
}

// ValidateMaxTokens validates the output token limit. Zero means provider
// default.
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("max tokens must not be negative, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates a log level.
func (v *Validator) ValidateLogLevel(level string) error {
	if !oneOf(level, validLogLevels) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLogLevels, ", "))
	}
	return nil
}

// ValidateQueueMode validates a steering or follow-up queue mode.
func (v *Validator) ValidateQueueMode(mode string) error {
	if mode == "" || oneOf(mode, validQueueModes) {
		return nil
	}
	return fmt.Errorf("invalid queue mode: %s (must be one of: %s)", mode, strings.Join(validQueueModes, ", "))
}

// ValidateConfig performs comprehensive validation.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidateProvider(cfg.Model.Provider); err != nil {
		errs = append(errs, fmt.Errorf("model: %w", err))
	}
	if strings.TrimSpace(cfg.Model.ID) == "" {
		errs = append(errs, fmt.Errorf("model: id is required"))
	}
	if cfg.Model.ContextWindow < 0 {
		errs = append(errs, fmt.Errorf("model: context_window must not be negative"))
	}
	if err := v.ValidateMaxTokens(cfg.Model.MaxTokens); err != nil {
		errs = append(errs, fmt.Errorf("model: %w", err))
	}
	if err := v.ValidateTemperature(cfg.Model.Temperature); err != nil {
		errs = append(errs, fmt.Errorf("model: %w", err))
	}

	switch cfg.Model.Provider {
	case "anthropic":
		if err := v.ValidateAPIKey(cfg.Providers.Anthropic.ResolveAPIKey(), "anthropic"); err != nil {
			errs = append(errs, fmt.Errorf("providers.anthropic: %w", err))
		}
	case "openai":
		// OpenAI-compatible servers behind base_url accept arbitrary keys.
		key := cfg.Providers.OpenAI.ResolveAPIKey()
		if cfg.Providers.OpenAI.BaseURL == "" {
			if err := v.ValidateAPIKey(key, "openai"); err != nil {
				errs = append(errs, fmt.Errorf("providers.openai: %w", err))
			}
		}
	case "replay":
		if strings.TrimSpace(cfg.Providers.Replay.Fixture) == "" {
			errs = append(errs, fmt.Errorf("providers.replay: fixture is required"))
		}
	}

	seen := make(map[string]bool, len(cfg.Agent.SystemParts))
	for i, part := range cfg.Agent.SystemParts {
		name := strings.TrimSpace(part.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("agent.system_parts[%d]: name is required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("agent.system_parts[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
	}
	for _, name := range slices.Concat(cfg.Agent.Tools.Allow, cfg.Agent.Tools.Deny, cfg.Agent.Tools.RequireApproval) {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("agent.tools: empty tool name"))
			break
		}
	}
	if cfg.Agent.Tools.ApprovalTimeout < 0 {
		errs = append(errs, fmt.Errorf("agent.tools.approval_timeout must be >= 0"))
	}
	if cfg.Agent.ToolTimeout < 0 {
		errs = append(errs, fmt.Errorf("agent.tool_timeout must be >= 0"))
	}
	if cfg.Agent.MaxOutputBytes < 0 {
		errs = append(errs, fmt.Errorf("agent.max_output_bytes must be >= 0"))
	}
	if cfg.Agent.CompactReserve < 0 {
		errs = append(errs, fmt.Errorf("agent.compact_reserve must be >= 0"))
	}
	if err := v.ValidateQueueMode(cfg.Agent.SteeringMode); err != nil {
		errs = append(errs, fmt.Errorf("agent.steering_mode: %w", err))
	}
	if err := v.ValidateQueueMode(cfg.Agent.FollowUpMode); err != nil {
		errs = append(errs, fmt.Errorf("agent.follow_up_mode: %w", err))
	}

	if cfg.Hooks.Enabled {
		for i, hook := range cfg.Hooks.Entries {
			if !hook.Enabled {
				continue
			}
			if !oneOf(strings.TrimSpace(hook.Event), validHookEvents) {
				errs = append(errs, fmt.Errorf("hook %d: event must be one of: %s", i, strings.Join(validHookEvents, ", ")))
			}
			if strings.TrimSpace(hook.Script) == "" {
				errs = append(errs, fmt.Errorf("hook %d: script is required", i))
			}
			if hook.Timeout < 0 {
				errs = append(errs, fmt.Errorf("hook %d: timeout must be >= 0", i))
			}
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Address) == "" {
		errs = append(errs, fmt.Errorf("metrics: address is required when enabled"))
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway: invalid port %d", cfg.Gateway.Port))
	}
	if cfg.Gateway.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("gateway: rate_limit must be >= 0"))
	}
	if cfg.Gateway.MaxInFlight < 0 {
		errs = append(errs, fmt.Errorf("gateway: max_in_flight must be >= 0"))
	}

	return errs
}

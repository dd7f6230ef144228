package daemon

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/turnloop/internal/config"
	"github.com/harun/turnloop/pkg/llm"
	"github.com/harun/turnloop/pkg/llm/anthropic"
	"github.com/harun/turnloop/pkg/llm/openai"
	"github.com/harun/turnloop/pkg/llm/replay"
)

// NewTransport builds the transport for the configured provider.
func NewTransport(cfg *config.Config, logger zerolog.Logger) (llm.Transport, error) {
	switch cfg.Model.Provider {
	case "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:  cfg.Providers.Anthropic.ResolveAPIKey(),
			BaseURL: cfg.Providers.Anthropic.BaseURL,
			Logger:  logger,
		}), nil
	case "openai":
		return openai.New(openai.Config{
			APIKey:  cfg.Providers.OpenAI.ResolveAPIKey(),
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Logger:  logger,
		}), nil
	case "replay":
		transport, err := replay.Load(cfg.Providers.Replay.Fixture)
		if err != nil {
			return nil, err
		}
		return transport, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Model.Provider)
	}
}

// Model converts the model section of the config.
func Model(cfg config.ModelConfig) llm.Model {
	return llm.Model{
		ID:            cfg.ID,
		Provider:      cfg.Provider,
		ContextWindow: cfg.ContextWindow,
		MaxTokens:     cfg.MaxTokens,
	}
}

package daemon

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/turnloop/internal/config"
	"github.com/harun/turnloop/pkg/hooks"
)

// newHookManager turns the enabled hook entries into scripts. With hooks
// switched off the manager is empty and every event is a no-op.
func newHookManager(cfg config.HooksConfig, logger zerolog.Logger) (*hooks.Manager, error) {
	var scripts []hooks.Script
	if cfg.Enabled {
		for _, entry := range cfg.Entries {
			if !entry.Enabled {
				continue
			}
			scripts = append(scripts, hooks.Script{
				Name:    entry.ID,
				Event:   entry.Event,
				Command: entry.Script,
				Timeout: time.Duration(entry.Timeout) * time.Second,
				Tools:   entry.Tools,
			})
		}
	}
	return hooks.NewManager(scripts, logger)
}

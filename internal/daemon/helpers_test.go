package daemon

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/harun/turnloop/internal/config"
	"github.com/harun/turnloop/internal/logger"
	"github.com/harun/turnloop/pkg/llm"
	"github.com/harun/turnloop/pkg/llm/replay"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Agent.WorkDir = t.TempDir()
	cfg.Model.Provider = "replay"
	cfg.Gateway.Port = 0
	cfg.Logging.Console = false
	cfg.Logging.Audit = false
	cfg.Metrics.Enabled = false
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

// useReplay routes NewTransport to a fixed replay transport for one test.
func useReplay(t *testing.T, responses ...replay.Response) *replay.Transport {
	t.Helper()
	transport := replay.New(responses...)
	previous := newTransport
	newTransport = func(*config.Config, zerolog.Logger) (llm.Transport, error) {
		return transport, nil
	}
	t.Cleanup(func() { newTransport = previous })
	return transport
}

func newTestDaemon(t *testing.T, cfg *config.Config, responses ...replay.Response) (*Daemon, *replay.Transport) {
	t.Helper()
	transport := useReplay(t, responses...)
	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	return d, transport
}

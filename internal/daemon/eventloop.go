package daemon

import (
	"context"
	"time"

	"github.com/harun/turnloop/internal/observability"
)

const (
	maintenanceInterval = 30 * time.Second
	shutdownGrace       = 5 * time.Second
)

// EventLoop runs periodic maintenance while the daemon is up.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run ticks until ctx is cancelled.
func (e *EventLoop) Run(ctx context.Context) {
	logger := e.daemon.logger.Component("eventloop")
	logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks refreshes queue gauges and logs busy lanes.
func (e *EventLoop) processTasks() {
	logger := e.daemon.logger.Component("eventloop")

	for lane, stats := range e.daemon.runtime.Queue().Stats() {
		observability.SetQueueSize(lane, stats.Queued)
		if stats.Queued > 0 || stats.Running > 0 {
			logger.Debug().
				Str("lane", lane).
				Int("queued", stats.Queued).
				Int("running", stats.Running).
				Msg("Queue stats")
		}
	}

	logger.Debug().
		Int("sessions", len(e.daemon.runtime.Sessions())).
		Int("clients", len(e.daemon.gatewayServer.Clients())).
		Msg("Daemon stats")
}

// HandleShutdown aborts running sessions and waits briefly for them to
// settle.
func (e *EventLoop) HandleShutdown() {
	logger := e.daemon.logger.Component("eventloop")
	logger.Info().Msg("Handling graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	runtime := e.daemon.runtime
	for _, key := range runtime.Sessions() {
		a, err := runtime.Agent(ctx, key)
		if err != nil {
			continue
		}
		a.Abort()
		if err := a.WaitForIdle(ctx); err != nil {
			logger.Warn().Str("session_key", key).Msg("Session did not settle before shutdown")
		}
	}

	logger.Info().Msg("All active sessions settled")
}

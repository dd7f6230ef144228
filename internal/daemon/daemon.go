package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/turnloop/internal/config"
	"github.com/harun/turnloop/internal/logger"
	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/harun/turnloop/pkg/gateway"
)

const serviceName = "turnloop"

// Version is reported in traces and by the CLI.
var Version = "0.1.0"

// newTransport is replaced in tests.
var newTransport = NewTransport

// Daemon runs the session runtime behind the websocket gateway.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	runtime       *Runtime
	gatewayServer *gateway.Server
	metricsServer *http.Server
	eventLoop     *EventLoop
	lifecycle     *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.RWMutex
	running       bool
	startTime     time.Time
	traceShutdown func(context.Context) error
}

// Status reports whether the daemon is running and what it is serving.
type Status struct {
	Running     bool          `json:"running"`
	Uptime      time.Duration `json:"uptime"`
	StartTime   time.Time     `json:"start_time"`
	Sessions    int           `json:"sessions"`
	Clients     int           `json:"clients"`
	GatewayAddr string        `json:"gateway_addr,omitempty"`
}

// New creates a daemon from cfg. Nothing listens until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	observability.EnsureRegistered()
	zl := log.Zerolog()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if cfg.Metrics.Tracing {
		shutdown, err := tracing.Setup(context.Background(), serviceName, Version, cfg.Metrics.TraceSampleRatio)
		if err != nil {
			zl.Warn().Err(err).Msg("Failed to initialize tracing")
		} else {
			d.traceShutdown = shutdown
		}
	}

	if cfg.Logging.Audit {
		auditPath := filepath.Join(cfg.DataDir, "audit.jsonl")
		if err := observability.OpenAuditTrail(auditPath); err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}

	transport, err := newTransport(cfg, log.Component("transport"))
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	d.runtime, err = NewRuntime(cfg, transport, zl)
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime: %w", err)
	}

	d.gatewayServer, err = gateway.NewServer(gateway.Config{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		RateLimit:    cfg.Gateway.RateLimit,
		MaxInFlight:  cfg.Gateway.MaxInFlight,
		Agents:       d.runtime.Agent,
		Logger:       log.Component("gateway"),
	})
	if err != nil {
		_ = d.runtime.Close()
		return nil, fmt.Errorf("failed to create gateway server: %w", err)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		d.metricsServer = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// Start writes the PID file and begins serving.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting turnloop daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.markStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.markStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	if d.metricsServer != nil {
		ln, err := net.Listen("tcp", d.metricsServer.Addr)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to start metrics server")
			d.metricsServer = nil
		} else {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				if err := d.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("Metrics server failed")
				}
			}()
			logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics server started")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Turnloop daemon started")
	return nil
}

func (d *Daemon) markStopped() {
	d.mu.Lock()
	d.running = false
	d.cancel()
	d.mu.Unlock()
}

// Stop shuts everything down in reverse start order.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return errors.New("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping turnloop daemon")

	var errs []error
	if err := d.gatewayServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
		errs = append(errs, err)
	}

	d.eventLoop.HandleShutdown()

	if err := d.runtime.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close runtime")
		errs = append(errs, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
	}

	d.cancel()
	d.wg.Wait()

	if d.traceShutdown != nil {
		if err := d.traceShutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to flush traces")
		}
	}
	if d.config.Logging.Audit {
		if err := observability.Trail().Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close audit log")
		}
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
		errs = append(errs, err)
	}

	logger.Info().Msg("Turnloop daemon stopped")
	return errors.Join(errs...)
}

// Status returns a snapshot of the daemon.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: len(d.runtime.Sessions()),
		Clients:  len(d.gatewayServer.Clients()),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.GatewayAddr = d.gatewayServer.Addr()
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	zl := d.logger.Zerolog()
	zl.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		zl.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger.
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetRuntime returns the session runtime.
func (d *Daemon) GetRuntime() *Runtime {
	return d.runtime
}

// GetGatewayServer returns the gateway server.
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/ctxlab/internal/config"
	"github.com/harun/ctxlab/internal/logger"
	"github.com/harun/ctxlab/internal/tracing"
	"github.com/harun/ctxlab/pkg/gateway"
	"github.com/harun/ctxlab/pkg/knowledge"
	"github.com/robfig/cron/v3"
)

// shutdownTimeout bounds how long Stop waits for active runs and clients.
const shutdownTimeout = 10 * time.Second

// Daemon represents the ctxlab gateway service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	runtime       *Runtime
	gatewayServer *gateway.Server
	scheduler     *cron.Cron

	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes a daemon.
type Status struct {
	Running     bool              `json:"running"`
	StartTime   time.Time         `json:"start_time,omitempty"`
	Uptime      time.Duration     `json:"uptime"`
	Addr        string            `json:"addr"`
	ActiveRuns  int               `json:"active_runs"`
	Connections int               `json:"connections"`
	CachedAgent int               `json:"cached_agents"`
	Knowledge   *knowledge.Status `json:"knowledge,omitempty"`
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry("ctxlab", cfg.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Float64("sample_ratio", cfg.Tracing.SampleRatio).Msg("Tracing initialized")
		}
	}

	rt, err := NewRuntime(cfg, log.GetZerolog())
	if err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize runtime: %w", err)
	}
	d.runtime = rt

	if err := d.initializeServices(); err != nil {
		_ = rt.Close(time.Second)
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) abort() {
	d.cancel()
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

func (d *Daemon) initializeServices() error {
	gw, err := gateway.NewServer(gateway.Config{
		Listen:            d.config.Gateway.Listen,
		SharedSecret:      d.config.Gateway.SharedSecret,
		RequestsPerMinute: d.config.Gateway.RequestsPerMinute,
		MaxConcurrent:     d.config.Gateway.MaxConcurrent,
		Runs:              d.runtime.Service,
		Sessions:          d.runtime.Sessions,
		Logger:            d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gw
	d.logger.Info().Str("listen", d.config.Gateway.Listen).Msg("Gateway server initialized")

	if d.runtime.Knowledge != nil && d.config.Knowledge.ResyncSchedule != "" {
		d.scheduler = cron.New()
		if _, err := d.scheduler.AddFunc(d.config.Knowledge.ResyncSchedule, d.runtime.RequestSync); err != nil {
			return fmt.Errorf("invalid knowledge resync schedule: %w", err)
		}
		d.logger.Info().Str("schedule", d.config.Knowledge.ResyncSchedule).Msg("Knowledge resync scheduled")
	}

	return nil
}

// Start starts the daemon
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting ctxlab daemon")

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

	if d.scheduler != nil {
		d.scheduler.Start()
		logger.Info().Msg("Knowledge resync scheduler started")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	if d.runtime.Knowledge != nil {
		d.runtime.RequestSync()
	}

	logger.Info().Msg("ctxlab daemon started")
	return nil
}

func (d *Daemon) markStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop gracefully stops the daemon
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping ctxlab daemon")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.gatewayServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if d.scheduler != nil {
		<-d.scheduler.Stop().Done()
		logger.Info().Msg("Knowledge resync scheduler stopped")
	}

	d.eventLoop.HandleShutdown()
	d.cancel()
	d.wg.Wait()

	if err := d.runtime.Close(shutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("Failed to close runtime")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		d.tracingEnabled = false
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:     d.running,
		Addr:        d.gatewayServer.Addr(),
		ActiveRuns:  len(d.runtime.Service.Active()),
		Connections: len(d.gatewayServer.GetConnectedClients()),
		CachedAgent: d.runtime.Agents.Len(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	if d.runtime.Knowledge != nil {
		ks := d.runtime.Knowledge.Status()
		status.Knowledge = &ks
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetRuntime returns the engine behind the gateway.
func (d *Daemon) GetRuntime() *Runtime {
	return d.runtime
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

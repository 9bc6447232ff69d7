package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/marinabox/marinabox/internal/config"
	"github.com/marinabox/marinabox/internal/logger"
	"github.com/marinabox/marinabox/internal/observability"
	"github.com/marinabox/marinabox/internal/tracing"
	"github.com/marinabox/marinabox/pkg/gateway"
	"github.com/marinabox/marinabox/pkg/sdk"
	"github.com/marinabox/marinabox/pkg/session"
)

// Daemon runs the long-lived marinabox services: the gateway, the session
// reconciler and config hot-reload.
type Daemon struct {
	config *config.Config
	loader *config.Loader
	logger *logger.Logger

	client        *sdk.Client
	gatewayServer *gateway.Server
	reconciler    *session.Reconciler
	watcher       *config.Watcher
	lifecycle     *LifecycleManager

	watchCancel context.CancelFunc
	watchDone   chan struct{}

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Options tunes daemon construction.
type Options struct {
	// Loader enables config hot-reload when set.
	Loader *config.Loader
	// ClientOptions are passed to sdk.New.
	ClientOptions []sdk.Option
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	if cfg.Gateway.SharedSecret == "" {
		return nil, ErrNoSharedSecret
	}

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry(tracing.Config{
		ServiceName: "marinabox-daemon",
		Exporter:    cfg.Tracing.Exporter,
		File:        cfg.Tracing.File,
		SampleRatio: cfg.Tracing.SampleRatio,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	}

	d := &Daemon{
		config:         cfg,
		loader:         opts.Loader,
		logger:         log,
		tracingEnabled: true,
	}

	if err := d.initialize(opts.ClientOptions); err != nil {
		d.closeResources()
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initialize(clientOpts []sdk.Option) error {
	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, audit events are discarded")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	opts := append([]sdk.Option{sdk.WithLogger(d.logger.GetZerolog())}, clientOpts...)
	client, err := sdk.New(d.config, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	d.client = client
	d.logger.Info().Str("store", d.config.Store.Driver).Msg("Session client initialized")

	reconciler, err := session.NewReconciler(client.Manager(), d.config.Sessions.ReconcileSchedule, d.logger.GetZerolog())
	if err != nil {
		return err
	}
	d.reconciler = reconciler

	gatewayServer, err := gateway.NewServer(gateway.Config{
		Host:           d.config.Gateway.Host,
		Port:           d.config.Gateway.Port,
		SharedSecret:   d.config.Gateway.SharedSecret,
		AllowedOrigins: d.config.Gateway.AllowedOrigins,
		Backend:        client,
		Logger:         d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gatewayServer
	d.logger.Info().Int("port", d.config.Gateway.Port).Msg("Gateway server initialized")

	if d.loader != nil {
		watcher, err := config.NewWatcher(config.WatcherConfig{
			Loader:   d.loader,
			OnChange: d.handleConfigChange,
			Logger:   d.logger.GetZerolog(),
		})
		if err != nil {
			d.logger.Warn().Err(err).Msg("Config hot-reload disabled")
		} else {
			d.watcher = watcher
		}
	}

	return nil
}

// handleConfigChange applies the agent and credential sections of a
// reloaded config. Store, runtime and gateway settings need a restart.
func (d *Daemon) handleConfigChange(cfg *config.Config) {
	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		d.logger.Warn().Err(errors.Join(errs...)).Msg("Ignoring invalid config change")
		return
	}
	d.client.Reload(cfg)
	observability.RecordConfigAudit(context.Background(), "reload", d.loader.GetConfigPath())
	d.logger.Info().
		Str("provider", cfg.Agent.Provider).
		Str("model", cfg.Agent.Model).
		Msg("Config reloaded")
}

// Start starts every service. It fails if the daemon is already running.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	log := d.logger.Component("daemon").With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Starting marinabox daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	if err := d.client.CheckRuntime(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Container runtime unavailable, sessions cannot be created until it is")
	}

	// Archive sessions whose containers died while no process was watching.
	if archived, err := d.client.Manager().Reconcile(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Startup reconcile finished with errors")
	} else if len(archived) > 0 {
		log.Info().Strs("session_ids", archived).Msg("Archived stale sessions")
	}
	d.reconciler.Start()

	if d.watcher != nil {
		ctx, cancel := context.WithCancel(context.Background())
		d.watchCancel = cancel
		d.watchDone = make(chan struct{})
		go func() {
			defer close(d.watchDone)
			if err := d.watcher.Run(ctx); err != nil {
				d.logger.Warn().Err(err).Msg("Config watcher stopped")
			}
		}()
	}

	log.Info().Str("addr", d.gatewayServer.Addr()).Msg("marinabox daemon started")
	return nil
}

// Stop stops every service. Sessions are left running.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := d.logger.Component("daemon").With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Stopping marinabox daemon")

	if d.watchCancel != nil {
		d.watchCancel()
		<-d.watchDone
		d.watchCancel = nil
	}

	var firstErr error
	if err := d.gatewayServer.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to stop gateway server")
		firstErr = err
	}

	d.reconciler.Stop(ctx)

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
		if firstErr == nil {
			firstErr = err
		}
	}

	d.closeResources()
	log.Info().Msg("marinabox daemon stopped")
	return firstErr
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Daemon) closeResources() {
	if d.client != nil {
		if err := d.client.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close client")
		}
		d.client = nil
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to close audit logger")
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// Wait blocks until ctx is done, then stops the daemon.
func (d *Daemon) Wait(ctx context.Context, shutdownTimeout time.Duration) error {
	<-ctx.Done()
	d.logger.Info().Msg("Shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// Status reports whether the daemon is running and for how long.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	if d.gatewayServer != nil {
		status.GatewayAddr = d.gatewayServer.Addr()
	}

	return status
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetClient returns the SDK client backing the gateway
func (d *Daemon) GetClient() *sdk.Client {
	return d.client
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// Status represents daemon status
type Status struct {
	Running     bool
	Uptime      time.Duration
	StartTime   time.Time
	GatewayAddr string
}

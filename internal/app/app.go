package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/crmdispatch/internal/api"
	"github.com/foxzi/crmdispatch/internal/campaign"
	"github.com/foxzi/crmdispatch/internal/config"
	"github.com/foxzi/crmdispatch/internal/delivery"
	"github.com/foxzi/crmdispatch/internal/dispatch"
	"github.com/foxzi/crmdispatch/internal/metrics"
	"github.com/foxzi/crmdispatch/internal/ratelimit"
	"github.com/foxzi/crmdispatch/internal/sandbox"
	apitls "github.com/foxzi/crmdispatch/internal/tls"
)

// App is the main application
type App struct {
	config     *config.Config
	store      *Store
	state      *bolt.DB
	service    *campaign.Service
	dispatcher *dispatch.Dispatcher
	scheduler  *dispatch.Scheduler
	quota      *ratelimit.Quota
	sandbox    *sandbox.Storage
	apiServer  *api.Server
	acmeServer *http.Server
	metrics    *metrics.Server
	collector  *metrics.Collector
	logger     *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := NewLogger(cfg.Logging, os.Stdout)

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	state, err := OpenState(cfg.Storage.StatePath)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &App{
		config: cfg,
		store:  store,
		state:  state,
		logger: logger,
	}

	if err := a.wire(); err != nil {
		state.Close()
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg := a.config

	gateway, err := a.newGateway()
	if err != nil {
		return err
	}

	var quota dispatch.Quota
	if cfg.Quota.Enabled {
		a.quota, err = ratelimit.NewQuota(a.state, ratelimit.Limits{
			MessagesPerHour: cfg.Quota.MessagesPerHour,
			MessagesPerDay:  cfg.Quota.MessagesPerDay,
		})
		if err != nil {
			return fmt.Errorf("failed to create relay quota: %w", err)
		}
		quota = a.quota
		a.logger.Info("relay quota enabled",
			"messages_per_hour", cfg.Quota.MessagesPerHour,
			"messages_per_day", cfg.Quota.MessagesPerDay,
		)
	}

	a.dispatcher = dispatch.NewDispatcher(
		a.store.Campaigns,
		a.store.Ledger,
		a.store.Templates,
		gateway,
		quota,
		dispatch.Config{
			MaxRowsPerBatch:  cfg.Dispatch.MaxRowsPerBatch,
			MinBatchInterval: cfg.Dispatch.MinBatchInterval,
			SendTimeout:      cfg.Dispatch.SendTimeout,
			Concurrency:      cfg.Dispatch.Concurrency,
		},
		a.logger,
	)
	a.scheduler = dispatch.NewScheduler(a.dispatcher, cfg.Dispatch.TickInterval, a.logger)
	a.service = a.store.Service(cfg, a.scheduler, a.logger)
	a.apiServer = api.NewServer(a.service, cfg.API, a.logger)

	tlsConfig, acme, err := apitls.Setup(cfg.API.TLS)
	if err != nil {
		return err
	}
	if tlsConfig != nil {
		a.apiServer.SetTLSConfig(tlsConfig)
	}
	if acme != nil {
		a.acmeServer = &http.Server{
			Addr:    cfg.API.TLS.ACME.ChallengeAddr,
			Handler: acme.ChallengeHandler(),
		}
		a.logger.Info("ACME (Let's Encrypt) enabled", "domains", acme.Domains())
	} else if tlsConfig != nil {
		a.logger.Info("API TLS enabled with manual certificates")
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.metrics = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, a.logger)
		a.collector = metrics.NewCollector(m, a.store.Ledger, cfg.Storage.Path, 0, a.logger)
	}

	return nil
}

// newGateway picks the delivery gateway for the configured mode
func (a *App) newGateway() (delivery.Gateway, error) {
	cfg := a.config

	if cfg.IsSandbox() {
		storage, err := sandbox.NewStorage(a.state)
		if err != nil {
			return nil, fmt.Errorf("failed to create sandbox storage: %w", err)
		}
		a.sandbox = storage
		a.logger.Info("sandbox mode: campaign mail is captured, not relayed")

		gw := sandbox.NewGateway(storage, a.logger)
		if cfg.Sandbox.SimulateErrors {
			gw.SetErrorSimulation(true, cfg.Sandbox.ErrorProbability)
			a.logger.Info("sandbox error simulation enabled", "probability", cfg.Sandbox.ErrorProbability)
		}
		return gw, nil
	}

	if !cfg.Relay.Configured() {
		a.logger.Warn("email configuration missing, email service disabled")
		return delivery.Unavailable{}, nil
	}

	var signer *delivery.Signer
	if cfg.DKIM.Enabled {
		var err error
		signer, err = delivery.NewSignerFromFile(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		a.logger.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
	}

	return delivery.NewSMTPGateway(cfg.Relay, signer, a.logger), nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting crmdispatch",
		"mode", a.config.Mode,
		"api_addr", a.config.API.ListenAddr,
		"max_rows_per_batch", a.config.Dispatch.MaxRowsPerBatch,
		"min_batch_interval", a.config.Dispatch.MinBatchInterval,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Resume(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.acmeServer != nil {
		go func() {
			a.logger.Info("starting ACME HTTP challenge server", "addr", a.acmeServer.Addr)
			if err := a.acmeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Warn("ACME HTTP server error", "error", err)
			}
		}()
	}

	if a.metrics != nil {
		a.collector.Start(ctx)
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Resume rolls back interrupted sends and rearms the scheduler if any
// sending campaign still has pending rows.
func (a *App) Resume(ctx context.Context) error {
	if _, err := a.service.RecoverInterrupted(ctx); err != nil {
		return err
	}

	pending, err := a.store.Ledger.PendingTotal(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pending recipients: %w", err)
	}
	if pending > 0 {
		a.logger.Info("resuming dispatch", "pending", pending)
		a.scheduler.Start()
	}
	return nil
}

// RunTick runs a single dispatcher tick outside the scheduler
func (a *App) RunTick(ctx context.Context) (*dispatch.TickResult, error) {
	if _, err := a.service.RecoverInterrupted(ctx); err != nil {
		return nil, err
	}
	return a.dispatcher.RunTick(ctx)
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// no new ticks, wait for the one in flight
	a.scheduler.Close()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.acmeServer != nil {
		if err := a.acmeServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("acme server shutdown error", "error", err)
		}
	}

	if a.metrics != nil {
		a.collector.Stop()
		if err := a.metrics.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.Close()

	a.logger.Info("shutdown complete")
	return nil
}

// Close stops the scheduler and releases storage without touching servers
func (a *App) Close() {
	a.scheduler.Close()

	if a.quota != nil {
		if err := a.quota.Stop(); err != nil {
			a.logger.Error("quota stop error", "error", err)
		}
	}
	if err := a.state.Close(); err != nil {
		a.logger.Error("state close error", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}
}

// NewLogger creates a logger based on configuration
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

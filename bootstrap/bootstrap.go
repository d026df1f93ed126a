// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lazzyms/token-usage-metrics/adapters/clock"
	apihttp "github.com/lazzyms/token-usage-metrics/adapters/http"
	"github.com/lazzyms/token-usage-metrics/adapters/idgen"
	"github.com/lazzyms/token-usage-metrics/adapters/memory"
	"github.com/lazzyms/token-usage-metrics/adapters/metrics"
	"github.com/lazzyms/token-usage-metrics/adapters/mongo"
	"github.com/lazzyms/token-usage-metrics/adapters/postgres"
	"github.com/lazzyms/token-usage-metrics/adapters/redis"
	"github.com/lazzyms/token-usage-metrics/adapters/sqlite"
	"github.com/lazzyms/token-usage-metrics/app"
	"github.com/lazzyms/token-usage-metrics/config"
	"github.com/lazzyms/token-usage-metrics/domain/breaker"
	"github.com/lazzyms/token-usage-metrics/ports"
)

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	Backend    ports.Backend
	Breaker    *breaker.Breaker
	Queue      *app.EventQueue
	Client     *app.Client
	Metrics    *metrics.Collector
	Registry   *prometheus.Registry
	HTTPServer *http.Server
	Holder     *config.Holder

	stopCh chan struct{}
}

// NewWithHotReload creates the application with config file watching and
// SIGHUP reload. Only reloadable fields (see config.ReloadableFields) take
// effect without a restart.
func NewWithHotReload(path string) (*App, error) {
	holder, err := config.NewHolder(path, setupLogger(config.LoggingConfig{Level: "info", Format: "json"}))
	if err != nil {
		return nil, err
	}

	a, err := New(holder.Get())
	if err != nil {
		holder.Stop()
		return nil, err
	}
	a.Holder = holder

	holder.OnChange(func(cfg *config.Config) {
		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	})
	if err := holder.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watching unavailable")
	}
	holder.WatchSignals()

	return a, nil
}

// New creates and initializes the application from the given configuration.
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	logger.Info().Str("backend", cfg.Backend.Driver).Msg("initializing token usage service")

	a := &App{
		Logger: logger,
		Config: cfg,
		stopCh: make(chan struct{}),
	}

	backend, err := openBackend(cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	a.Backend = backend

	clk := clock.Real{}
	a.Breaker = breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout, clk)
	retry := app.NewRetryPolicy(a.Breaker, cfg.Retry.MaxRetries, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Metrics = metrics.NewWith(a.Registry)
		metricsHandler = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
		logger.Info().Str("path", cfg.Metrics.Path).Msg("prometheus metrics enabled")
	}

	a.Queue = app.NewEventQueue(backend, retry, app.QueueOptions{
		Config: app.QueueConfig{
			BufferSize:     cfg.Buffer.Size,
			FlushBatchSize: cfg.Buffer.FlushBatchSize,
			FlushInterval:  cfg.Buffer.FlushInterval,
			BlockTimeout:   cfg.Buffer.BlockTimeout,
			CloseTimeout:   cfg.Buffer.CloseTimeout,
		},
		Logger:  logger.With().Str("component", "queue").Logger(),
		Metrics: a.Metrics,
	})

	a.Client = app.NewClient(backend, a.Queue, a.Breaker, idgen.UUID{}, clk, logger)

	handler := apihttp.NewHandler(a.Client, logger, metricsHandler)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	a.HTTPServer = &http.Server{
		Addr:         addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if a.Metrics != nil {
		go a.watchBreaker()
	}

	logger.Info().Str("addr", addr).Msg("http server configured")
	return a, nil
}

func openBackend(cfg config.BackendConfig) (ports.Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cfg.Driver {
	case "memory":
		return memory.NewStore(), nil
	case "sqlite":
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return sqlite.NewStore(db), nil
	case "postgres":
		return postgres.Open(ctx, cfg.Postgres.DSN)
	case "redis":
		return redis.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	case "mongo":
		return mongo.Open(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	default:
		return nil, fmt.Errorf("unknown backend driver %q", cfg.Driver)
	}
}

// watchBreaker mirrors the breaker state into the metrics gauge.
func (a *App) watchBreaker() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Metrics.BreakerState.Set(float64(a.Breaker.State()))
		case <-a.stopCh:
			return
		}
	}
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application: the HTTP server first, then the
// queue's final flush, then the backend.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	close(a.stopCh)

	if a.Holder != nil {
		a.Holder.Stop()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	// Client.Close flushes the queue and closes the backend.
	if a.Client != nil {
		if err := a.Client.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("client close error")
			return err
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

package main

import (
	"context"
	"fmt"

	"github.com/aescanero/dapo/internal/application/orchestrator"
	"github.com/aescanero/dapo/internal/application/status"
	"github.com/aescanero/dapo/internal/config"
	yamlcatalog "github.com/aescanero/dapo/pkg/adapters/catalog/yaml"
	memoryevents "github.com/aescanero/dapo/pkg/adapters/events/memory"
	redisevents "github.com/aescanero/dapo/pkg/adapters/events/redis"
	"github.com/aescanero/dapo/pkg/adapters/executors/jobstep"
	"github.com/aescanero/dapo/pkg/adapters/executors/process"
	"github.com/aescanero/dapo/pkg/adapters/executors/registry"
	prommetrics "github.com/aescanero/dapo/pkg/adapters/metrics/prometheus"
	memorystorage "github.com/aescanero/dapo/pkg/adapters/storage/memory"
	redisstorage "github.com/aescanero/dapo/pkg/adapters/storage/redis"
	sqlitestorage "github.com/aescanero/dapo/pkg/adapters/storage/sqlite"
	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds the components shared by the serve and run commands
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	redis    *goredis.Client
	catalog  *yamlcatalog.Catalog
	store    ports.StatusStore
	bus      ports.EventBus
	registry *prometheus.Registry
	metrics  *prommetrics.Collector
	manager  *orchestrator.Manager

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.UsesRedis() {
		client, err := connectRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.redis = client
		a.closers = append(a.closers, client.Close)
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	catalog, err := yamlcatalog.Load(cfg.CatalogDir, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to load job catalog: %w", err)
	}
	a.catalog = catalog

	if err := a.openStore(); err != nil {
		a.close()
		return nil, err
	}

	switch cfg.EventsBackend {
	case config.BackendRedis:
		a.bus = redisevents.NewStreamsEventBus(a.redis, "dapo-events", cfg.Redis.ConsumerName, logger)
	default:
		a.bus = memoryevents.NewEventBus(logger)
	}
	a.closers = append(a.closers, a.bus.Close)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = prommetrics.NewCollector(a.registry)

	executors := registry.New()
	executors.Register(domain.StepTypeExec, process.New(logger,
		process.WithGracePeriod(cfg.Orchestration.ProcessGracePeriod)))

	a.manager = orchestrator.NewManager(
		catalog,
		status.NewReporter(a.store, a.bus, logger),
		executors,
		a.metrics,
		logger,
		orchestrator.Options{
			MaxConcurrency:  cfg.Orchestration.MaxConcurrency,
			DuplicateWindow: cfg.Orchestration.DuplicateWindow,
		},
	)
	executors.Register(domain.StepTypeJob, jobstep.New(a.manager, logger))

	return a, nil
}

func (a *app) openStore() error {
	switch a.cfg.StoreBackend {
	case config.BackendSQLite:
		store, err := sqlitestorage.Open(a.cfg.SQLitePath, a.logger)
		if err != nil {
			return fmt.Errorf("failed to open status store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	case config.BackendRedis:
		a.store = redisstorage.NewStatusStore(a.redis, a.cfg.Orchestration.DuplicateWindow, a.logger)
	default:
		a.store = memorystorage.NewStatusStore()
	}
	a.logger.Info("status store ready", zap.String("backend", a.cfg.StoreBackend))
	return nil
}

// shutdown drains the orchestrator then releases every backend
func (a *app) shutdown(ctx context.Context) error {
	err := a.manager.Shutdown(ctx)
	a.close()
	return err
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("failed to close component", zap.Error(err))
		}
	}
	a.closers = nil
}

func connectRedis(ctx context.Context, cfg *config.Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// loadConfig loads the configuration and builds the logger
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, initLogger(cfg.LogLevel), nil
}

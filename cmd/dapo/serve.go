package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/aescanero/dapo/internal/application/workers"
	"github.com/aescanero/dapo/internal/config"
	rediscommands "github.com/aescanero/dapo/pkg/adapters/commands/redis"
	grpcapi "github.com/aescanero/dapo/pkg/api/grpc"
	httpapi "github.com/aescanero/dapo/pkg/api/http"
	"github.com/aescanero/dapo/pkg/api/websocket"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator with its HTTP, gRPC and command interfaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting dapo",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	monitor := workers.NewMonitor(a.manager, a.metrics, cfg.Orchestration.MonitorInterval, logger)

	httpServer := httpapi.NewServer(&httpapi.Config{
		Port:         cfg.HTTPPort,
		Orchestrator: a.manager,
		Catalog:      a.catalog,
		Monitor:      monitor,
		Gatherer:     a.registry,
		Logger:       logger,
	})
	httpServer.SetupWebSocket(websocket.NewHandler(a.bus, logger))

	grpcServer, err := grpcapi.NewServer(&grpcapi.Config{
		Port:     cfg.GRPCPort,
		Commands: a.manager,
		Logger:   logger,
	})
	if err != nil {
		a.close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpServer.Start)
	g.Go(grpcServer.Start)
	if cfg.CommandTransport == config.BackendRedis {
		source := rediscommands.NewSource(a.redis, cfg.Redis.ConsumerName, logger)
		g.Go(func() error { return source.Listen(gctx, a.manager) })
	}
	monitor.Start()

	logger.Info("dapo started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.String("command_transport", cfg.CommandTransport),
		zap.String("store_backend", cfg.StoreBackend))

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := grpcServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("gRPC server shutdown error", zap.Error(err))
		}
		monitor.Stop()
		if err := a.shutdown(shutdownCtx); err != nil {
			logger.Error("orchestrator shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("dapo shut down complete")
	return nil
}

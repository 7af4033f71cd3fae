package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/taxpoynt/messagefabric/internal/apiversion"
	"github.com/taxpoynt/messagefabric/internal/config"
	"github.com/taxpoynt/messagefabric/internal/platform"
	"github.com/taxpoynt/messagefabric/internal/server"
	"github.com/taxpoynt/messagefabric/pkg/logger"
	"github.com/taxpoynt/messagefabric/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Exit(1)
	}
	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := platform.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Platform wiring failed", zap.Error(err))
	}

	registerAPIVersions(p)

	if err := p.Start(ctx); err != nil {
		log.Fatal("Platform start failed", zap.Error(err))
	}

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, log)
	metricsSrv.Start()

	srv := server.New(cfg, p, log)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("HTTP server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.Warn("Metrics shutdown incomplete", zap.Error(err))
	}
	p.Stop()
}

func registerAPIVersions(p *platform.Platform) {
	_ = p.Versions.Register(apiversion.Version{Major: 1, Full: "1.0.0", Status: apiversion.LifecycleStable})
	p.Versions.SetCompatibility(1, 1, apiversion.CompatFull)
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	commonconfig "stancesense/common/config"
	"stancesense/common/logger"
	"stancesense/stancesense-ingest/internal/config"
	"stancesense/stancesense-ingest/internal/service"

	"go.uber.org/zap"
)

func main() {
	loaded, err := commonconfig.LoadDotEnv()
	if err != nil {
		log.Fatalf("Failed to load env files: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "stancesense-ingest")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Sync()

	lg.Info("Starting stancesense-ingest service",
		zap.Strings("env_files", loaded),
		zap.String("addr", cfg.ListenAddr()),
		zap.String("processor", cfg.IngestURL()),
		zap.Bool("simulator", cfg.Simulator.Enabled),
		zap.String("cache_backend", cfg.Cache.Backend),
	)

	svc, err := service.NewIngestService(cfg, lg)
	if err != nil {
		lg.Fatal("Failed to create ingest service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		lg.Fatal("Failed to start ingest service", zap.Error(err))
	}

	failed := make(chan error, 1)
	go func() { failed <- svc.Wait() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		lg.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-failed:
		if err != nil {
			lg.Error("Component failed, shutting down", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	cancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		lg.Error("Error during shutdown", zap.Error(err))
	}

	lg.Info("Service stopped")
}

// Command stancesense-monitor is a terminal dashboard: it subscribes to the
// fan-out hub and logs connection state, throttled sensor data and alerts.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	commonconfig "stancesense/common/config"
	"stancesense/common/logger"
	"stancesense/stancesense-monitor/internal/client"
	"stancesense/stancesense-monitor/internal/config"

	"go.uber.org/zap"
)

const stalenessCheckInterval = 2 * time.Second

func main() {
	if _, err := commonconfig.LoadDotEnv(); err != nil {
		log.Fatalf("Failed to load env files: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "stancesense-monitor")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Sync()

	manager := client.NewManager(client.Options{
		URL:            cfg.HubURL,
		MaxAttempts:    cfg.Reconnect.MaxAttempts,
		BaseDelay:      cfg.Reconnect.BaseDelay,
		MaxDelay:       cfg.Reconnect.MaxDelay,
		UpdateThrottle: cfg.UpdateThrottle,
		AlertLimit:     cfg.AlertLimit,
	}, lg.Named("client"))

	manager.OnUpdate(newPrinter(lg).print)
	manager.Start()

	lg.Info("Monitoring hub",
		zap.String("url", cfg.HubURL),
		zap.Duration("throttle", cfg.UpdateThrottle),
		zap.Int("max_attempts", cfg.Reconnect.MaxAttempts),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	ticker := time.NewTicker(stalenessCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := manager.Reconnect(); err != nil {
					lg.Error("Failed to reconnect", zap.Error(err))
				}
				continue
			}
			lg.Info("Received signal, shutting down", zap.String("signal", sig.String()))
			manager.Close()
			lg.Info("Monitor stopped")
			return

		case <-ticker.C:
			snap := manager.Snapshot()
			if snap.IsConnected && snap.HasReceivedData {
				if idle := time.Since(snap.LastMessageAt); idle > cfg.DataTimeout {
					lg.Warn("No data received from hub, backend may be disconnected",
						zap.Duration("idle", idle.Truncate(time.Second)))
				}
			}
		}
	}
}

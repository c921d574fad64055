// Command stancesense-device-sim connects to the ingest listener as a
// wearable and streams simulated telemetry over the device link.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"stancesense/common/logger"
	"stancesense/common/models"
	"stancesense/stancesense-ingest/internal/simulator"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func main() {
	url := flag.String("url", "ws://localhost:8081/ws/device", "device link URL")
	interval := flag.Duration("interval", 3*time.Second, "time between frames")
	count := flag.Int("count", 0, "frames to send before exiting (0 = until interrupted)")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	lg, err := logger.NewLogger(*level, "console", "stancesense-device-sim")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Sync()

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		lg.Fatal("Failed to connect to device link", zap.String("url", *url), zap.Error(err))
	}
	defer conn.Close()
	lg.Info("Connected to device link", zap.String("url", *url))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// drain frames the server pushes back so the connection stays healthy
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				lg.Info("Device link closed", zap.Error(err))
				cancel()
				return
			}
		}
	}()

	var (
		mu   sync.Mutex
		sent int
	)
	sim := simulator.New(simulator.Options{})
	runner := simulator.Start(ctx, sim, *interval, func(frame *models.Frame) {
		mu.Lock()
		defer mu.Unlock()
		if err := conn.WriteJSON(frame); err != nil {
			lg.Error("Failed to send frame", zap.Error(err))
			cancel()
			return
		}
		sent++
		if *count > 0 && sent >= *count {
			cancel()
		}
	}, lg)

	<-ctx.Done()
	runner.Stop()

	mu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	mu.Unlock()

	lg.Info("Device simulator stopped", zap.Int("frames_sent", sent))
}

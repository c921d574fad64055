package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	rediscommon "stancesense/common/redis"
	"stancesense/stancesense-hub/internal/config"
	"stancesense/stancesense-hub/internal/consumer"
	httpapi "stancesense/stancesense-hub/internal/http"
	"stancesense/stancesense-hub/internal/hub"
	"stancesense/stancesense-hub/internal/metrics"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HubService runs the dashboard fan-out hub and its feeds.
type HubService struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	redis    *redis.Client
	hub      *hub.Hub
	consumer *consumer.StreamConsumer
	server   *http.Server

	runCancel context.CancelFunc
	group     *errgroup.Group
}

// NewHubService connects to Redis when the stream feed is enabled and builds
// the HTTP surface.
func NewHubService(cfg *config.Config, logger *zap.Logger) (*HubService, error) {
	s := &HubService{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}
	s.hub = hub.NewHub(cfg.Hub.SendBuffer, s.metrics, logger.Named("hub"))

	health := httpapi.NewHealthHandler(s.hub.ClientCount, logger)

	if cfg.Stream.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := rediscommon.Connect(ctx, &cfg.Redis)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.consumer = consumer.NewStreamConsumer(cfg, client, s.hub, s.metrics, logger.Named("stream"))
		health.AddCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}

	router := httpapi.NewRouter(logger)
	router.RegisterDashboardRoutes(s.hub.ServeWS)
	router.RegisterBroadcastRoutes(httpapi.NewBroadcastHandler(s.hub, cfg.Hub.InternalKey, logger))
	router.RegisterHealthRoutes(health, s.metrics.Handler())

	s.server = &http.Server{
		Addr:              cfg.Hub.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start binds the listen address and runs the hub, the HTTP server and the
// stream consumer.
func (s *HubService) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.startWith(ctx, ln)
}

func (s *HubService) startWith(ctx context.Context, ln net.Listener) error {
	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)
	s.runCancel = cancel
	s.group = group

	group.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})
	group.Go(func() error {
		s.logger.Info("Starting stancesense-hub HTTP server", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.consumer != nil {
		group.Go(func() error { return s.consumer.Start(gctx) })
	}

	s.logger.Info("Hub service started",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("stream", s.consumer != nil),
	)
	return nil
}

// Wait blocks until every component has returned.
func (s *HubService) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Stop refuses new requests, disconnects dashboards, stops the stream
// consumer and closes Redis.
func (s *HubService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping hub service")

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Error stopping HTTP server", zap.Error(err))
	}

	if s.runCancel != nil {
		s.runCancel()
		if err := s.group.Wait(); err != nil {
			s.logger.Error("Component exited with error", zap.Error(err))
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Error closing redis", zap.Error(err))
		}
	}

	s.logger.Info("Hub service stopped")
	return nil
}

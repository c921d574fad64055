package service

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"net"
	"time"

	"stancesense/common/database"
	mqttcommon "stancesense/common/mqtt"
	rediscommon "stancesense/common/redis"
	"stancesense/stancesense-ingest/internal/aggregator"
	"stancesense/stancesense-ingest/internal/cache"
	"stancesense/stancesense-ingest/internal/config"
	"stancesense/stancesense-ingest/internal/consumer"
	"stancesense/stancesense-ingest/internal/forwarder"
	httpapi "stancesense/stancesense-ingest/internal/http"
	"stancesense/stancesense-ingest/internal/listener"
	"stancesense/stancesense-ingest/internal/metrics"
	"stancesense/stancesense-ingest/internal/pipeline"
	"stancesense/stancesense-ingest/internal/repository"
	"stancesense/stancesense-ingest/internal/simulator"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IngestService wires the device link, the pipeline and their supporting
// components.
type IngestService struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	db         *sql.DB
	redis      *redis.Client
	mqttClient *mqttcommon.Client

	cache      *cache.RecentCache
	pipeline   *pipeline.Pipeline
	listener   *listener.Listener
	registry   *simulator.StatusRegistry
	aggregator *aggregator.Aggregator
	consumer   *consumer.MQTTConsumer
	server     *Server

	// base bounds per-connection simulators; work bounds pipeline workers,
	// which outlive base so queued frames can drain on shutdown.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	workCtx    context.Context
	workCancel context.CancelFunc

	runCancel context.CancelFunc
	group     *errgroup.Group
}

// NewIngestService connects the optional backends and builds every component.
func NewIngestService(cfg *config.Config, logger *zap.Logger) (*IngestService, error) {
	ctx := context.Background()
	s := &IngestService{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	// 1. optional device registry
	var lookup pipeline.DeviceLookup
	if cfg.Database.Enabled {
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			logger.Warn("DB enabled but connection failed, using default patient", zap.Error(err))
		} else {
			s.db = db
			lookup = repository.NewDeviceRepository(db, logger)
			logger.Info("Device registry enabled")
		}
	}

	// 2. cache backend
	var kv cache.KVStore = cache.NewMemoryKVStore()
	if cfg.Cache.Backend == "redis" {
		client, err := rediscommon.Connect(ctx, &cfg.Redis)
		if err != nil {
			s.closeBackends()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		kv = cache.NewRedisKVStore(client)
	}
	s.cache = cache.NewRecentCache(kv, logger)

	// 3. forwarding pipeline
	fwd := forwarder.New(forwarder.Config{
		URL:            cfg.IngestURL(),
		Token:          cfg.Processor.Token,
		InternalKey:    cfg.Processor.InternalKey,
		Timeout:        cfg.Processor.Timeout,
		MaxRetries:     cfg.Processor.MaxRetries,
		CircuitBreaker: cfg.Processor.CircuitBreaker,
	}, logger)
	resolver := pipeline.NewPatientResolver(lookup, cfg.Pipeline.DefaultPatientID, logger)
	s.pipeline = pipeline.New(pipeline.Options{
		Workers:   cfg.Pipeline.Workers,
		QueueSize: cfg.Pipeline.QueueSize,
	}, fwd, s.cache, resolver, s.metrics, logger)

	// 4. device link, with the simulator attached when enabled
	s.baseCtx, s.baseCancel = context.WithCancel(ctx)
	s.workCtx, s.workCancel = context.WithCancel(ctx)

	opts := listener.Options{SimulatorInterval: cfg.Simulator.Interval}
	if cfg.Simulator.Enabled {
		opts.Simulator = simulator.New(simulator.Options{})
		logger.Info("Telemetry simulator enabled", zap.Duration("interval", cfg.Simulator.Interval))
	}
	s.listener = listener.New(s.baseCtx, opts, s.pipeline, s.metrics, logger.Named("listener"))

	// 5. supporting services
	s.registry = simulator.NewStatusRegistry(simulator.DefaultProfiles(),
		rand.New(rand.NewSource(time.Now().UnixNano())), time.Now)

	if cfg.Aggregation.Enabled {
		s.cache.LimitAggregation(cfg.Aggregation.ActiveUsers...)
		s.aggregator = aggregator.New(aggregator.Config{
			BaseURL:     cfg.Processor.BaseURL,
			Token:       cfg.Processor.Token,
			InternalKey: cfg.Processor.InternalKey,
			AppID:       cfg.Aggregation.AppID,
			ActiveUsers: cfg.Aggregation.ActiveUsers,
			Interval:    cfg.Aggregation.Interval,
			Timeout:     cfg.Processor.Timeout,
		}, s.cache, s.metrics, logger.Named("aggregator"))
	} else {
		s.cache.LimitAggregation()
	}

	if cfg.MQTT.Enabled {
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		client, err := mqttcommon.NewClient(connectCtx, &cfg.MQTT, logger)
		cancel()
		if err != nil {
			s.closeBackends()
			return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
		}
		s.mqttClient = client
		s.consumer = consumer.NewMQTTConsumer(cfg.MQTTSource.Topic, client, s.pipeline, s.metrics, logger)
	}

	// 6. HTTP surface
	health := httpapi.NewHealthHandler(logger)
	health.SetConnectionCounter(s.listener.ConnectionCount)
	if s.redis != nil {
		health.AddCheck("redis", func(ctx context.Context) error { return s.redis.Ping(ctx).Err() })
	}
	if s.db != nil {
		health.AddCheck("database", s.db.PingContext)
	}
	if s.mqttClient != nil {
		health.AddCheck("mqtt", func(context.Context) error {
			if !s.mqttClient.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		})
	}

	router := httpapi.NewRouter(logger)
	router.RegisterHealthRoutes(health, s.metrics.Handler())
	router.RegisterHardwareRoutes(httpapi.NewHardwareHandler(s.registry, logger))
	router.RegisterPatientRoutes(httpapi.NewPatientHandler(s.cache, logger))
	router.RegisterDeviceLinkRoutes(s.listener)
	s.server = NewServer(cfg.ListenAddr(), router, logger)

	return s, nil
}

// Start launches every component and returns. Wait reports the first
// component failure.
func (s *IngestService) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr(), err)
	}
	return s.startWith(ctx, ln)
}

func (s *IngestService) startWith(ctx context.Context, ln net.Listener) error {
	s.logger.Info("Starting ingest service components")

	s.pipeline.Start(s.workCtx)

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)
	s.runCancel = cancel
	s.group = group

	group.Go(func() error { return s.server.Serve(ln) })
	group.Go(func() error { return s.registry.RunDecay(gctx, simulator.DecayInterval) })
	if s.aggregator != nil {
		group.Go(func() error { return s.aggregator.Run(gctx) })
	}
	if s.consumer != nil {
		group.Go(func() error { return s.consumer.Start(gctx) })
	}

	s.logger.Info("Ingest service started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Wait blocks until every component has returned.
func (s *IngestService) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Stop shuts components down in dependency order: no new connections, close
// device links and their simulators, stop background loops, drain the
// pipeline, then release backends.
func (s *IngestService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ingest service")

	if err := s.server.Stop(ctx); err != nil {
		s.logger.Error("Error stopping HTTP server", zap.Error(err))
	}

	s.listener.Close()
	s.baseCancel()

	if s.consumer != nil {
		if err := s.consumer.Stop(ctx); err != nil {
			s.logger.Error("Error stopping consumer", zap.Error(err))
		}
	}
	if s.runCancel != nil {
		s.runCancel()
		if err := s.group.Wait(); err != nil {
			s.logger.Error("Component exited with error", zap.Error(err))
		}
	}

	s.pipeline.Close()
	s.workCancel()

	s.closeBackends()

	s.logger.Info("Ingest service stopped")
	return nil
}

func (s *IngestService) closeBackends() {
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("Error closing redis", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Error closing database", zap.Error(err))
		}
	}
}

package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stancesense/common/models"
	rediscommon "stancesense/common/redis"
	"stancesense/stancesense-hub/internal/config"
	"stancesense/stancesense-hub/internal/hub"
	"stancesense/stancesense-hub/internal/metrics"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Broadcaster fans an envelope out to dashboard clients.
type Broadcaster interface {
	Broadcast(ctx context.Context, env *models.Envelope) error
}

// StreamConsumer reads processed results from a Redis stream consumer group
// and hands them to the hub.
type StreamConsumer struct {
	stream      string
	group       string
	name        string
	batchSize   int64
	block       time.Duration
	redisClient *redis.Client
	hub         Broadcaster
	metrics     *metrics.Metrics
	logger      *zap.Logger

	backoffBase time.Duration
	backoffMax  time.Duration
}

// NewStreamConsumer creates a consumer for cfg.Stream.
func NewStreamConsumer(
	cfg *config.Config,
	redisClient *redis.Client,
	broadcaster Broadcaster,
	m *metrics.Metrics,
	logger *zap.Logger,
) *StreamConsumer {
	return &StreamConsumer{
		stream:      cfg.Stream.Name,
		group:       cfg.Stream.ConsumerGroup,
		name:        cfg.Stream.ConsumerName,
		batchSize:   cfg.Stream.BatchSize,
		block:       cfg.Stream.Block,
		redisClient: redisClient,
		hub:         broadcaster,
		metrics:     m,
		logger:      logger,
		backoffBase: time.Second,
		backoffMax:  30 * time.Second,
	}
}

// Start creates the consumer group and consumes until ctx is done.
func (c *StreamConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.stream, c.group); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", c.stream, err)
	}

	c.logger.Info("Stream consumer started",
		zap.String("consumer_group", c.group),
		zap.String("consumer_name", c.name),
		zap.String("stream", c.stream),
	)

	backoff := c.backoffBase
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := c.consumeStream(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume stream",
				zap.String("stream", c.stream),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				backoff *= 2
				if backoff > c.backoffMax {
					backoff = c.backoffMax
				}
			}
			continue
		}
		backoff = c.backoffBase
	}
}

func (c *StreamConsumer) consumeStream(ctx context.Context) error {
	messages, err := rediscommon.ReadFromStream(ctx, c.redisClient, c.stream, c.group, c.name, c.batchSize, c.block)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	acked := make([]string, 0, len(messages))
	for _, msg := range messages {
		err := c.processMessage(ctx, msg)
		switch {
		case err == nil:
			c.metrics.StreamMessages.WithLabelValues("delivered").Inc()
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, hub.ErrHubClosed):
			// leave it pending for the next consumer
			continue
		default:
			c.metrics.StreamMessages.WithLabelValues("invalid").Inc()
			c.logger.Warn("Failed to process stream message",
				zap.String("stream_id", msg.ID),
				zap.Error(err),
			)
		}
		acked = append(acked, msg.ID)
	}

	if err := rediscommon.Ack(ctx, c.redisClient, c.stream, c.group, acked...); err != nil {
		return fmt.Errorf("failed to ack %d messages: %w", len(acked), err)
	}
	return nil
}

func (c *StreamConsumer) processMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	raw, ok := msg.Values[rediscommon.DataField]
	if !ok {
		return fmt.Errorf("missing %s field in message", rediscommon.DataField)
	}
	data, ok := raw.(string)
	if !ok {
		return fmt.Errorf("invalid %s format in message", rediscommon.DataField)
	}

	var env models.Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return err
	}

	if err := c.hub.Broadcast(ctx, &env); err != nil {
		return fmt.Errorf("failed to broadcast: %w", err)
	}

	c.logger.Debug("Broadcast stream message",
		zap.String("stream_id", msg.ID),
		zap.String("type", env.Type),
		zap.String("patient_id", env.PatientID),
	)
	return nil
}

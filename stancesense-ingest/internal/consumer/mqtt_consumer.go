package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stancesense/common/models"
	mqttcommon "stancesense/common/mqtt"
	"stancesense/stancesense-ingest/internal/metrics"
	"stancesense/stancesense-ingest/internal/normalize"

	"go.uber.org/zap"
)

// Subscriber is the part of the MQTT client the consumer uses.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler mqttcommon.MessageHandler) error
	Unsubscribe(ctx context.Context, topics ...string) error
}

// Submitter accepts frames without blocking.
type Submitter interface {
	Submit(frame *models.Frame, source string) bool
}

// MQTTConsumer feeds telemetry published by brokered devices into the
// pipeline. Payloads are handled exactly like device link messages.
type MQTTConsumer struct {
	topic      string
	subscriber Subscriber
	pipeline   Submitter
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewMQTTConsumer creates a consumer for topic.
func NewMQTTConsumer(topic string, subscriber Subscriber, pipeline Submitter, m *metrics.Metrics, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		topic:      topic,
		subscriber: subscriber,
		pipeline:   pipeline,
		metrics:    m,
		logger:     logger,
	}
}

// Start subscribes and blocks until ctx is cancelled.
func (c *MQTTConsumer) Start(ctx context.Context) error {
	if err := c.subscriber.Subscribe(ctx, c.topic, c.onMessage); err != nil {
		return fmt.Errorf("failed to subscribe to telemetry topic: %w", err)
	}

	c.logger.Info("MQTT consumer started", zap.String("topic", c.topic))

	<-ctx.Done()
	return nil
}

// Stop unsubscribes.
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.subscriber.Unsubscribe(ctx, c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	c.logger.Info("MQTT consumer stopped")
	return nil
}

func (c *MQTTConsumer) onMessage(msg mqttcommon.Message) error {
	if msg.Retained {
		c.logger.Debug("Skipping retained telemetry", zap.String("topic", msg.Topic))
		return nil
	}
	return c.handleMessage(msg.Topic, msg.Payload)
}

// handleMessage processes one message on stancesense/{device_id}/telemetry.
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	c.logger.Debug("Received MQTT message",
		zap.String("topic", topic),
		zap.Int("payload_size", len(payload)),
	)

	// 1. device id from the topic
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[1] == "" {
		c.metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return fmt.Errorf("invalid topic format: %s", topic)
	}
	deviceID := parts[1]

	// 2. validate and normalize
	frame, err := normalize.Parse(payload)
	if err != nil {
		if errors.Is(err, normalize.ErrIncompleteFrame) {
			c.metrics.FramesDropped.WithLabelValues("incomplete").Inc()
			c.logger.Debug("Discarding incomplete frame", zap.String("topic", topic), zap.Error(err))
			return nil
		}
		c.metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return fmt.Errorf("failed to parse message: %w", err)
	}
	if frame.DeviceID == "" {
		frame.DeviceID = deviceID
	}

	// 3. hand off
	c.pipeline.Submit(frame, models.SourceMQTT)
	return nil
}

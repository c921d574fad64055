// Package mqtt wraps paho for telemetry subscriptions.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stancesense/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const resubscribeTimeout = 10 * time.Second

// Message is one publish delivered to a subscription.
type Message struct {
	Topic     string
	Payload   []byte
	Duplicate bool
	Retained  bool
}

// MessageHandler handles one inbound message. Errors are logged and do not
// stop delivery of later messages.
type MessageHandler func(msg Message) error

// Client is a paho client that remembers its subscriptions. Sessions are
// clean, so the broker forgets them on reconnect and the client subscribes
// again from the connect handler.
type Client struct {
	client mqtt.Client
	qos    byte
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]MessageHandler
}

// NewClient connects to the broker, giving up when ctx is done.
func NewClient(ctx context.Context, cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	c := newClient(cfg, logger)
	c.client = mqtt.NewClient(c.options(cfg))

	if err := wait(ctx, c.client.Connect()); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return c, nil
}

func newClient(cfg *config.MQTTConfig, logger *zap.Logger) *Client {
	return &Client{
		qos:    cfg.QoS,
		logger: logger.With(zap.String("broker", cfg.Broker)),
		subs:   make(map[string]MessageHandler),
	}
}

func (c *Client) options(cfg *config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(10 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.logger.Info("MQTT connected")
		c.resubscribe()
	})
	return opts
}

// Subscribe registers handler for topic at the configured QoS.
func (c *Client) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	if err := wait(ctx, c.client.Subscribe(topic, c.qos, c.deliver(handler))); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes subscriptions; they are not restored on reconnect.
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) error {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	c.mu.Unlock()

	if err := wait(ctx, c.client.Unsubscribe(topics...)); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// Disconnect waits up to 250ms for in-flight work.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

// IsConnected reports the paho connection state.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]MessageHandler, len(c.subs))
	for topic, handler := range c.subs {
		subs[topic] = handler
	}
	c.mu.Unlock()

	for topic, handler := range subs {
		token := c.client.Subscribe(topic, c.qos, c.deliver(handler))
		if !token.WaitTimeout(resubscribeTimeout) {
			c.logger.Error("Timed out restoring MQTT subscription", zap.String("topic", topic))
			continue
		}
		if err := token.Error(); err != nil {
			c.logger.Error("Failed to restore MQTT subscription", zap.String("topic", topic), zap.Error(err))
			continue
		}
		c.logger.Info("Restored MQTT subscription", zap.String("topic", topic))
	}
}

func (c *Client) deliver(handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		err := handler(Message{
			Topic:     msg.Topic(),
			Payload:   msg.Payload(),
			Duplicate: msg.Duplicate(),
			Retained:  msg.Retained(),
		})
		if err != nil {
			c.logger.Warn("Failed to handle MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	}
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

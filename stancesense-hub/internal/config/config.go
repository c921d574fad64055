package config

import (
	"fmt"
	"os"
	"time"

	"stancesense/common/config"
)

// Config is the fan-out hub configuration.
type Config struct {
	Redis config.RedisConfig
	Log   config.LogConfig

	Hub struct {
		Addr        string
		InternalKey string // required on /internal/broadcast when set
		SendBuffer  int
	}

	// Processed results stream
	Stream struct {
		Enabled       bool
		Name          string
		ConsumerGroup string
		ConsumerName  string
		BatchSize     int64
		Block         time.Duration
	}
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Redis.Addr = "localhost:6379"
	if err := cfg.Redis.LoadFromEnv("REDIS"); err != nil {
		return nil, err
	}

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Log.LoadFromEnv()

	cfg.Hub.Addr = getEnv("HUB_ADDR", ":8000")
	cfg.Hub.InternalKey = getEnv("INTERNAL_KEY", "")
	sendBuffer, err := config.GetEnvInt("HUB_SEND_BUFFER", 256)
	if err != nil {
		return nil, err
	}
	cfg.Hub.SendBuffer = sendBuffer

	cfg.Stream.Enabled = config.GetEnvBool("HUB_STREAM_ENABLED", true)
	cfg.Stream.Name = getEnv("HUB_STREAM", "stancesense:processed:stream")
	cfg.Stream.ConsumerGroup = getEnv("HUB_CONSUMER_GROUP", "stancesense-hub")
	cfg.Stream.ConsumerName = getEnv("HUB_CONSUMER_NAME", defaultConsumerName())
	batch, err := config.GetEnvInt("HUB_BATCH_SIZE", 10)
	if err != nil {
		return nil, err
	}
	cfg.Stream.BatchSize = int64(batch)
	if cfg.Stream.Block, err = config.GetEnvMillis("HUB_STREAM_BLOCK_MS", 2*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges.
func (c *Config) Validate() error {
	if c.Hub.SendBuffer < 1 {
		return fmt.Errorf("HUB_SEND_BUFFER must be at least 1, got %d", c.Hub.SendBuffer)
	}
	if c.Stream.BatchSize < 1 {
		return fmt.Errorf("HUB_BATCH_SIZE must be at least 1, got %d", c.Stream.BatchSize)
	}
	if c.Stream.Enabled && c.Stream.Name == "" {
		return fmt.Errorf("HUB_STREAM must not be empty when the stream is enabled")
	}
	return nil
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return "hub-" + host
}

func getEnv(key, defaultValue string) string {
	return config.GetEnv(key, defaultValue)
}

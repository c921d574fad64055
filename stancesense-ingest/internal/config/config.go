package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"stancesense/common/config"
)

// Config is the ingestion relay configuration.
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	Log      config.LogConfig

	// Device link listener
	Listener struct {
		Port string
	}

	// Downstream processor
	Processor struct {
		BaseURL        string
		IngestPath     string
		Token          string // bearer credential, omitted when empty
		InternalKey    string // X-Internal-Key, omitted when empty
		Timeout        time.Duration
		MaxRetries     int
		CircuitBreaker bool
	}

	Pipeline struct {
		Workers          int
		QueueSize        int
		DefaultPatientID string
	}

	Simulator struct {
		Enabled  bool
		Interval time.Duration
	}

	Cache struct {
		Backend string // "memory" or "redis"
	}

	Aggregation struct {
		Enabled     bool
		Interval    time.Duration
		ActiveUsers []string
		AppID       string
	}

	MQTTSource struct {
		Topic string
	}
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "stancesense"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 5
	if err := cfg.Database.LoadFromEnv("DB"); err != nil {
		return nil, err
	}

	cfg.Redis.Addr = "localhost:6379"
	if err := cfg.Redis.LoadFromEnv("REDIS"); err != nil {
		return nil, err
	}

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "stancesense-ingest"
	cfg.MQTT.QoS = 1
	if err := cfg.MQTT.LoadFromEnv("MQTT"); err != nil {
		return nil, err
	}
	cfg.MQTTSource.Topic = getEnv("MQTT_TOPIC", "stancesense/+/telemetry")

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Log.LoadFromEnv()

	cfg.Listener.Port = getEnv("NODE_SERVER_PORT", "8081")

	cfg.Processor.BaseURL = strings.TrimRight(
		config.GetEnvFirst("http://127.0.0.1:8000", "PROCESSOR_BASE_URL", "FASTAPI_INGEST_URL"), "/")
	cfg.Processor.IngestPath = getEnv("PROCESSOR_INGEST_PATH", "/ingest/data")
	cfg.Processor.Token = config.GetEnvFirst("", "PROCESSOR_TOKEN", "FIREBASE_TEST_TOKEN")
	cfg.Processor.InternalKey = getEnv("INTERNAL_KEY", "")
	cfg.Processor.CircuitBreaker = config.GetEnvBool("FORWARD_CIRCUIT_BREAKER", false)

	var err error
	if cfg.Processor.Timeout, err = config.GetEnvMillis("FORWARD_TIMEOUT_MS", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.Processor.MaxRetries, err = config.GetEnvInt("FORWARD_MAX_RETRIES", 0); err != nil {
		return nil, err
	}
	if cfg.Pipeline.Workers, err = config.GetEnvInt("FORWARD_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.Pipeline.QueueSize, err = config.GetEnvInt("FORWARD_QUEUE_SIZE", 256); err != nil {
		return nil, err
	}
	cfg.Pipeline.DefaultPatientID = getEnv("DEFAULT_PATIENT_ID", "test_patient_001")

	cfg.Simulator.Enabled = config.GetEnvBool("SIMULATOR_ENABLED", false)
	if cfg.Simulator.Interval, err = config.GetEnvMillis("SIMULATOR_INTERVAL_MS", 3000*time.Millisecond); err != nil {
		return nil, err
	}

	cfg.Cache.Backend = getEnv("CACHE_BACKEND", "memory")

	cfg.Aggregation.Enabled = config.GetEnvBool("AGGREGATION_ENABLED", true)
	intervalSec, err := config.GetEnvInt("AGGREGATION_INTERVAL_SEC", 60)
	if err != nil {
		return nil, err
	}
	cfg.Aggregation.Interval = time.Duration(intervalSec) * time.Second
	cfg.Aggregation.ActiveUsers = splitList(getEnv("ACTIVE_USERS", cfg.Pipeline.DefaultPatientID))
	cfg.Aggregation.AppID = getEnv("APP_ID", "stancesense")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values Load cannot default its way around.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Processor.BaseURL); err != nil {
		return fmt.Errorf("invalid processor base URL %q: %w", c.Processor.BaseURL, err)
	}
	if c.Simulator.Interval <= 0 {
		return fmt.Errorf("SIMULATOR_INTERVAL_MS must be positive")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("FORWARD_WORKERS must be at least 1, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.QueueSize < 1 {
		return fmt.Errorf("FORWARD_QUEUE_SIZE must be at least 1, got %d", c.Pipeline.QueueSize)
	}
	if c.Processor.MaxRetries < 0 {
		return fmt.Errorf("FORWARD_MAX_RETRIES must not be negative")
	}
	if c.Aggregation.Interval <= 0 {
		return fmt.Errorf("AGGREGATION_INTERVAL_SEC must be positive")
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.Cache.Backend)
	}
	return nil
}

// IngestURL is the full forwarding endpoint.
func (c *Config) IngestURL() string {
	return c.Processor.BaseURL + c.Processor.IngestPath
}

// ListenAddr is the listener bind address.
func (c *Config) ListenAddr() string {
	if strings.Contains(c.Listener.Port, ":") {
		return c.Listener.Port
	}
	return ":" + c.Listener.Port
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	return config.GetEnv(key, defaultValue)
}

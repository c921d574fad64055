package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DatabaseConfig holds the Postgres connection settings for the device registry.
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// RedisConfig Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT broker settings
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string
	Format string
}

// GetDSN builds a lib/pq connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv overrides fields from <prefix>_HOST, <prefix>_PORT and friends.
func (c *DatabaseConfig) LoadFromEnv(prefix string) error {
	c.Enabled = GetEnvBool(prefix+"_ENABLED", c.Enabled)
	c.Host = GetEnv(prefix+"_HOST", c.Host)
	c.User = GetEnv(prefix+"_USER", c.User)
	c.Password = GetEnv(prefix+"_PASSWORD", c.Password)
	c.Database = GetEnv(prefix+"_NAME", c.Database)
	c.SSLMode = GetEnv(prefix+"_SSLMODE", c.SSLMode)

	var err error
	if c.Port, err = GetEnvInt(prefix+"_PORT", c.Port); err != nil {
		return err
	}
	if c.MaxConns, err = GetEnvInt(prefix+"_MAX_CONNS", c.MaxConns); err != nil {
		return err
	}
	return nil
}

// LoadFromEnv overrides Redis settings from <prefix>_ADDR, <prefix>_PASSWORD, <prefix>_DB.
func (c *RedisConfig) LoadFromEnv(prefix string) error {
	c.Addr = GetEnv(prefix+"_ADDR", c.Addr)
	c.Password = GetEnv(prefix+"_PASSWORD", c.Password)

	db, err := GetEnvInt(prefix+"_DB", c.DB)
	if err != nil {
		return err
	}
	c.DB = db
	return nil
}

// LoadFromEnv overrides MQTT settings from <prefix>_BROKER and friends.
func (c *MQTTConfig) LoadFromEnv(prefix string) error {
	c.Enabled = GetEnvBool(prefix+"_ENABLED", c.Enabled)
	c.Broker = GetEnv(prefix+"_BROKER", c.Broker)
	c.ClientID = GetEnv(prefix+"_CLIENT_ID", c.ClientID)
	c.Username = GetEnv(prefix+"_USERNAME", c.Username)
	c.Password = GetEnv(prefix+"_PASSWORD", c.Password)

	qos, err := GetEnvInt(prefix+"_QOS", int(c.QoS))
	if err != nil {
		return err
	}
	if qos < 0 || qos > 2 {
		return fmt.Errorf("%s_QOS must be 0, 1 or 2, got %d", prefix, qos)
	}
	c.QoS = byte(qos)
	return nil
}

// LoadFromEnv reads LOG_LEVEL and LOG_FORMAT.
func (c *LogConfig) LoadFromEnv() {
	c.Level = GetEnv("LOG_LEVEL", c.Level)
	c.Format = GetEnv("LOG_FORMAT", c.Format)
}

// LoadDotEnv loads .env and .env.dev from the working directory when present.
// Values in the files override the process environment. It returns the files
// that were loaded.
func LoadDotEnv() ([]string, error) {
	files := []string{".env", ".env.dev"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			return loaded, fmt.Errorf("failed to load %s: %w", file, err)
		}
		loaded = append(loaded, file)
	}
	return loaded, nil
}

// GetEnv returns the value of key, or defaultValue when unset or empty.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvFirst returns the first non-empty value among keys.
func GetEnvFirst(defaultValue string, keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return defaultValue
}

// GetEnvInt parses key as an integer. A set but unparsable value is an error.
func GetEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
	return parsed, nil
}

// GetEnvBool parses key as a boolean; unparsable values fall back to the default.
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvMillis reads key as a millisecond count.
func GetEnvMillis(key string, defaultValue time.Duration) (time.Duration, error) {
	ms, err := GetEnvInt(key, int(defaultValue/time.Millisecond))
	if err != nil {
		return 0, err
	}
	if ms < 0 {
		return 0, fmt.Errorf("invalid %s=%d: must not be negative", key, ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

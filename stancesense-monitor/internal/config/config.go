package config

import (
	"fmt"
	"strings"
	"time"

	"stancesense/common/config"
)

const (
	dashboardPath  = "/ws/frontend-data"
	defaultHubURL  = "ws://localhost:8000" + dashboardPath
	defaultTimeout = 10 * time.Second
)

// Config is the dashboard monitor configuration.
type Config struct {
	Log config.LogConfig

	HubURL string

	Reconnect struct {
		MaxAttempts int
		BaseDelay   time.Duration
		MaxDelay    time.Duration
	}

	UpdateThrottle time.Duration
	AlertLimit     int
	DataTimeout    time.Duration
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Log.Level = "info"
	cfg.Log.Format = "console"
	cfg.Log.LoadFromEnv()

	cfg.HubURL = hubURL()

	var err error
	if cfg.Reconnect.MaxAttempts, err = config.GetEnvInt("RECONNECT_MAX_ATTEMPTS", 10); err != nil {
		return nil, err
	}
	if cfg.Reconnect.BaseDelay, err = config.GetEnvMillis("RECONNECT_BASE_DELAY_MS", time.Second); err != nil {
		return nil, err
	}
	if cfg.Reconnect.MaxDelay, err = config.GetEnvMillis("RECONNECT_MAX_DELAY_MS", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.UpdateThrottle, err = config.GetEnvMillis("UPDATE_THROTTLE_MS", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.AlertLimit, err = config.GetEnvInt("ALERT_LIMIT", 50); err != nil {
		return nil, err
	}
	timeoutSec, err := config.GetEnvInt("DATA_TIMEOUT_SEC", int(defaultTimeout/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.DataTimeout = time.Duration(timeoutSec) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if !strings.HasPrefix(c.HubURL, "ws://") && !strings.HasPrefix(c.HubURL, "wss://") {
		return fmt.Errorf("HUB_URL must be a ws:// or wss:// URL, got %q", c.HubURL)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect delays must satisfy 0 < base (%s) <= max (%s)", c.Reconnect.BaseDelay, c.Reconnect.MaxDelay)
	}
	if c.AlertLimit < 1 {
		return fmt.Errorf("ALERT_LIMIT must be at least 1, got %d", c.AlertLimit)
	}
	if c.DataTimeout <= 0 {
		return fmt.Errorf("DATA_TIMEOUT_SEC must be positive")
	}
	return nil
}

// hubURL prefers HUB_URL; NEXT_PUBLIC_WEBSOCKET_URL is a base URL that gets
// the dashboard path appended.
func hubURL() string {
	if v := config.GetEnv("HUB_URL", ""); v != "" {
		return v
	}
	if base := config.GetEnv("NEXT_PUBLIC_WEBSOCKET_URL", ""); base != "" {
		return strings.TrimSuffix(base, "/") + dashboardPath
	}
	return defaultHubURL
}

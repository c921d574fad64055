package redis

import (
	"context"
	"fmt"

	"stancesense/common/config"

	"github.com/go-redis/redis/v8"
)

// Client is the go-redis client used across services.
type Client = redis.Client

// Nil is returned by go-redis when a key does not exist.
const Nil = redis.Nil

// NewRedisClient creates a client from config.
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Connect creates a client and verifies it with PING.
func Connect(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := NewRedisClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

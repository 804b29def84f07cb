package redisutil

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Config holds the Redis configuration.
type Config struct {
	URL string `env:"URL"` // default: "redis://127.0.0.1:6379/0"
}

func (c *Config) url() string {
	u := c.URL
	if u == "" {
		u = "redis://127.0.0.1:6379/0"
	}
	return u
}

// NewClient returns a client for the configured URL and checks that it answers.
func NewClient(ctx context.Context, cfg *Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.url())
	if err != nil {
		return nil, fmt.Errorf("redisutil.NewClient: %w", err)
	}

	client := redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisutil.NewClient: %w", err)
	}

	return client, nil
}

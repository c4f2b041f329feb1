package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"sortition/internal/platform/config"
)

// Client is a connected go-redis client plus the prefix every registry and
// balance key lives under.
type Client struct {
	*redis.Client
	Prefix string
}

// New connects to the redis instance in cfg and pings it.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL is not configured")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{Client: client, Prefix: cfg.KeyPrefix}, nil
}

// Namespace returns the prefix with its separator, ready to prepend to keys.
// An empty prefix yields no namespace.
func (c *Client) Namespace() string {
	if c.Prefix == "" {
		return ""
	}
	return strings.TrimSuffix(c.Prefix, ":") + ":"
}

// Health pings the server; the ops router uses it for readiness.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

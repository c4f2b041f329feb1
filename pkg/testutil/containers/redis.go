//go:build integration

package containers

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"sortition/internal/platform/config"
	platformredis "sortition/internal/platform/redis"
)

// RedisContainer is a disposable Redis server reached through the same
// client constructor the CLI uses.
type RedisContainer struct {
	Container testcontainers.Container
	URL       string
	Client    *redis.Client
	Platform  *platformredis.Client
}

// NewRedisContainer starts Redis. Containers are shared through Manager and
// reaped by Ryuk, so nothing is registered with t.Cleanup.
func NewRedisContainer(t *testing.T) *RedisContainer {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	url, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("redis connection string: %v", err)
	}

	client, err := platformredis.New(ctx, config.RedisConfig{
		URL:       url,
		PoolSize:  10,
		KeyPrefix: "sortition-it",
	})
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("connect to redis: %v", err)
	}

	return &RedisContainer{Container: container, URL: url, Client: client.Client, Platform: client}
}

// FlushAll empties the database between tests.
func (r *RedisContainer) FlushAll(ctx context.Context) error {
	return r.Client.FlushAll(ctx).Err()
}

//go:build integration

package redis_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	redisstore "sortition/internal/governance/store/redis"
	"sortition/internal/governance/store/storetest"
	"sortition/pkg/testutil/containers"
)

// TestRedisContainerSuite runs the store contract against a real server so
// WATCH semantics are not only checked against miniredis.
func TestRedisContainerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, &storetest.Suite{
		NewBackend: func(t *testing.T) storetest.Backend {
			rc := containers.GetManager().GetRedis(t)
			if err := rc.FlushAll(context.Background()); err != nil {
				t.Fatalf("flush redis: %v", err)
			}
			return redisstore.New(rc.Client, redisstore.WithKeyPrefix(rc.Platform.Namespace()))
		},
	})
}

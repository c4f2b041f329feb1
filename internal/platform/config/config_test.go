package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	t.Run("defaults to the persistent badger store", func(t *testing.T) {
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, StoreBadger, cfg.Store)
		assert.Equal(t, "./data/badger", cfg.Badger.Path)
		assert.False(t, cfg.Badger.InMemory)
		assert.Equal(t, 5*time.Second, cfg.TxTimeout)
		assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
		assert.Equal(t, 100, cfg.Relay.BatchSize)
		assert.Equal(t, "json", cfg.Log.Format)
	})

	t.Run("reads prefixed nested variables", func(t *testing.T) {
		t.Setenv("SORTITION_STORE", "redis")
		t.Setenv("SORTITION_REDIS_URL", "redis://localhost:6379/0")
		t.Setenv("SORTITION_KAFKA_BROKERS", "k1:9092,k2:9092")
		t.Setenv("SORTITION_RELAY_INTERVAL", "250ms")

		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, StoreRedis, cfg.Store)
		assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
		assert.Equal(t, 250*time.Millisecond, cfg.Relay.Interval)
	})

	t.Run("badger requires a path unless in memory", func(t *testing.T) {
		cfg, err := FromEnv()
		require.NoError(t, err)

		cfg.Badger.Path = ""
		assert.ErrorContains(t, cfg.Validate(), "SORTITION_BADGER_PATH")

		cfg.Badger.InMemory = true
		assert.NoError(t, cfg.Validate())
	})

	t.Run("postgres requires a URL", func(t *testing.T) {
		t.Setenv("SORTITION_STORE", "postgres")
		_, err := FromEnv()
		assert.ErrorContains(t, err, "SORTITION_POSTGRES_URL")
	})

	t.Run("tracing is off without an endpoint", func(t *testing.T) {
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Empty(t, cfg.Tracing.Endpoint)
		assert.Equal(t, "sortition", cfg.Tracing.ServiceName)
	})

	t.Run("rejects an out of range GC ratio", func(t *testing.T) {
		t.Setenv("SORTITION_BADGER_GC_DISCARD_RATIO", "1.5")
		_, err := FromEnv()
		assert.ErrorContains(t, err, "discard ratio")
	})

	t.Run("rejects unknown backends", func(t *testing.T) {
		t.Setenv("SORTITION_STORE", "etcd")
		_, err := FromEnv()
		assert.ErrorContains(t, err, "unknown store backend")
	})
}

package kafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sortition/internal/platform/config"
)

func TestNewProducer(t *testing.T) {
	t.Run("requires a broker", func(t *testing.T) {
		_, err := NewProducer(config.KafkaConfig{Brokers: []string{" ", ""}, Topic: "t"}, nil)
		assert.ErrorContains(t, err, "brokers are not configured")
	})

	t.Run("connects lazily", func(t *testing.T) {
		p, err := NewProducer(config.KafkaConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "t", ClientID: "test"}, nil)
		require.NoError(t, err)
		defer p.Close()
		assert.NoError(t, p.Publish(context.Background(), nil), "empty batches never reach the broker")
	})
}

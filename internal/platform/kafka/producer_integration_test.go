//go:build integration

package kafka_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"sortition/internal/governance/models"
	"sortition/internal/platform/config"
	"sortition/internal/platform/kafka"
	id "sortition/pkg/domain"
	"sortition/pkg/testutil/containers"
)

func TestProducerPublishesKeyedRecords(t *testing.T) {
	broker := containers.GetManager().GetRedpanda(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := config.KafkaConfig{
		Brokers:  []string{broker.Broker},
		Topic:    "governance.citizens.test",
		ClientID: "sortition-test",
	}
	producer, err := kafka.NewProducer(cfg, nil)
	require.NoError(t, err)
	defer producer.Close()

	require.NoError(t, producer.Ping(ctx))
	require.NoError(t, producer.EnsureTopic(ctx, 3))
	require.NoError(t, producer.EnsureTopic(ctx, 3), "creating an existing topic is not an error")

	pool := id.NewPoolID()
	entry, err := models.NewOutboxEntry(models.CitizenAdded{
		GovernancePool: pool,
		Citizen:        id.NewParticipantID(),
		TokenAmount:    42,
		OccurredAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, producer.Publish(ctx, []models.OutboxEntry{entry}))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker.Broker),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	var got *kgo.Record
	for got == nil {
		fetches := consumer.PollFetches(ctx)
		require.NoError(t, ctx.Err())
		fetches.EachRecord(func(r *kgo.Record) {
			if string(r.Key) == pool.String() {
				got = r
			}
		})
	}

	assert.JSONEq(t, string(entry.Payload), string(got.Value))
	headers := map[string]string{}
	for _, h := range got.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, models.EventCitizenAdded, headers["event_type"])
	assert.Equal(t, entry.ID, headers["event_id"])
}

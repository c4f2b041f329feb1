package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"sortition/internal/governance/models"
	id "sortition/pkg/domain"
	"sortition/pkg/platform/sentinel"
)

// txStore is the ports.Store handed to RunInTx callbacks.
type txStore struct {
	s   *RedisStore
	rtx *redis.Tx

	// Buffered writes, applied in order inside MULTI.
	keys   []string
	values map[string][]byte
	events []models.OutboxEntry
}

func newTxStore(s *RedisStore, rtx *redis.Tx) *txStore {
	return &txStore{s: s, rtx: rtx, values: make(map[string][]byte)}
}

// watch must run before the first read of key.
func (t *txStore) watch(ctx context.Context, key string) error {
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return fmt.Errorf("watch %s: %w", key, err)
	}
	return nil
}

// buffered decodes a pending write for key into dst.
func (t *txStore) buffered(key string, dst any) (bool, error) {
	raw, ok := t.values[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (t *txStore) put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if _, seen := t.values[key]; !seen {
		t.keys = append(t.keys, key)
	}
	t.values[key] = raw
	return nil
}

func (t *txStore) FindPool(ctx context.Context, poolID id.PoolID) (*models.GovernancePool, error) {
	key := t.s.poolKey(poolID)
	var pool models.GovernancePool
	if ok, err := t.buffered(key, &pool); ok {
		return &pool, err
	}
	if err := t.watch(ctx, key); err != nil {
		return nil, err
	}
	return t.s.findPool(ctx, t.rtx, poolID)
}

func (t *txStore) SavePool(_ context.Context, pool *models.GovernancePool) error {
	return t.put(t.s.poolKey(pool.ID), pool)
}

func (t *txStore) FindInvite(ctx context.Context, inviteID id.InviteID) (*models.GovernanceInvite, error) {
	key := t.s.inviteKey(inviteID)
	var invite models.GovernanceInvite
	if ok, err := t.buffered(key, &invite); ok {
		return &invite, err
	}
	if err := t.watch(ctx, key); err != nil {
		return nil, err
	}
	return t.s.findInvite(ctx, t.rtx, inviteID)
}

func (t *txStore) SaveInvite(_ context.Context, invite *models.GovernanceInvite) error {
	return t.put(t.s.inviteKey(invite.ID), invite)
}

func (t *txStore) FindCitizenIndex(ctx context.Context, poolID id.PoolID, page uint32) (*models.CitizenIndex, error) {
	key := t.s.indexKey(poolID, page)
	var index models.CitizenIndex
	if ok, err := t.buffered(key, &index); ok {
		return &index, err
	}
	if err := t.watch(ctx, key); err != nil {
		return nil, err
	}
	return t.s.findCitizenIndex(ctx, t.rtx, poolID, page)
}

func (t *txStore) SaveCitizenIndex(_ context.Context, poolID id.PoolID, index *models.CitizenIndex) error {
	return t.put(t.s.indexKey(poolID, index.Page), index)
}

func (t *txStore) FindCitizen(ctx context.Context, poolID id.PoolID, participant id.ParticipantID) (*models.Citizen, error) {
	key := t.s.citizenKey(poolID, participant)
	var citizen models.Citizen
	if ok, err := t.buffered(key, &citizen); ok {
		return &citizen, err
	}
	if err := t.watch(ctx, key); err != nil {
		return nil, err
	}
	return t.s.findCitizen(ctx, t.rtx, poolID, participant)
}

// CreateCitizen watches the citizen address so a concurrent creation aborts
// this transaction at EXEC.
func (t *txStore) CreateCitizen(ctx context.Context, citizen *models.Citizen) error {
	key := t.s.citizenKey(citizen.GovernancePool, citizen.Participant)
	if _, ok := t.values[key]; ok {
		return fmt.Errorf("citizen %s: %w", citizen.Participant, sentinel.ErrAlreadyUsed)
	}
	if err := t.watch(ctx, key); err != nil {
		return err
	}
	n, err := t.rtx.Exists(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("check citizen: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("citizen %s: %w", citizen.Participant, sentinel.ErrAlreadyUsed)
	}
	return t.put(key, citizen)
}

func (t *txStore) AppendEvent(_ context.Context, event models.CitizenAdded) error {
	entry, err := models.NewOutboxEntry(event)
	if err != nil {
		return err
	}
	t.events = append(t.events, entry)
	return nil
}

// verify runs an EXEC with no writes. It returns redis.TxFailedErr when a
// watched key changed since it was read. go-redis drops empty pipelines, so
// a PING is queued to force the round trip.
func (t *txStore) verify(ctx context.Context) error {
	_, err := t.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Ping(ctx)
		return nil
	})
	return err
}

// exec applies buffered writes atomically. It returns redis.TxFailedErr when
// a watched key changed since it was read.
func (t *txStore) exec(ctx context.Context) error {
	if len(t.keys) == 0 && len(t.events) == 0 {
		return t.verify(ctx)
	}
	encoded := make([][]byte, len(t.events))
	for i, entry := range t.events {
		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode outbox entry: %w", err)
		}
		encoded[i] = raw
	}
	_, err := t.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range t.keys {
			pipe.Set(ctx, key, t.values[key], 0)
		}
		for i, entry := range t.events {
			pipe.HSet(ctx, t.s.outboxEntriesKey(), entry.ID, encoded[i])
			pipe.RPush(ctx, t.s.outboxPendingKey(), entry.ID)
		}
		return nil
	})
	return err
}

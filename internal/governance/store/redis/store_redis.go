package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"

	"sortition/internal/governance/models"
	"sortition/internal/governance/ports"
	"sortition/internal/platform/metrics"
	id "sortition/pkg/domain"
	"sortition/pkg/platform/sentinel"
)

const (
	defaultMaxRetries = 50
	backendName       = "redis"
)

// RedisStore keeps governance records as JSON values. Transactions use
// optimistic WATCH/MULTI/EXEC and are retried when a watched key changes.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	maxRetries int
	metrics    *metrics.Metrics
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithKeyPrefix namespaces every key.
func WithKeyPrefix(prefix string) Option {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithMaxRetries bounds conflict retries per transaction.
func WithMaxRetries(n int) Option {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithMetrics records conflict retries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *RedisStore) {
		s.metrics = m
	}
}

// New constructs a Redis-backed store. The client lifecycle is managed by
// the caller.
func New(client *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{client: client, maxRetries: defaultMaxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) poolKey(poolID id.PoolID) string {
	return s.prefix + "pool:" + poolID.String()
}

func (s *RedisStore) inviteKey(inviteID id.InviteID) string {
	return s.prefix + "invite:" + inviteID.String()
}

func (s *RedisStore) indexKey(poolID id.PoolID, page uint32) string {
	return s.prefix + "index:" + id.CitizenIndexAddress(poolID, page).String()
}

func (s *RedisStore) citizenKey(poolID id.PoolID, participant id.ParticipantID) string {
	return s.prefix + "citizen:" + id.CitizenAddress(poolID, participant).String()
}

func (s *RedisStore) outboxPendingKey() string { return s.prefix + "outbox:pending" }
func (s *RedisStore) outboxEntriesKey() string { return s.prefix + "outbox:entries" }

// reader is the subset shared by *redis.Client and *redis.Tx.
type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

func getJSON(ctx context.Context, r reader, key string, dst any) error {
	raw, err := r.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return sentinel.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) findPool(ctx context.Context, r reader, poolID id.PoolID) (*models.GovernancePool, error) {
	var pool models.GovernancePool
	if err := getJSON(ctx, r, s.poolKey(poolID), &pool); err != nil {
		return nil, fmt.Errorf("pool %s: %w", poolID, err)
	}
	return &pool, nil
}

func (s *RedisStore) findInvite(ctx context.Context, r reader, inviteID id.InviteID) (*models.GovernanceInvite, error) {
	var invite models.GovernanceInvite
	if err := getJSON(ctx, r, s.inviteKey(inviteID), &invite); err != nil {
		return nil, fmt.Errorf("invite %s: %w", inviteID, err)
	}
	return &invite, nil
}

func (s *RedisStore) findCitizenIndex(ctx context.Context, r reader, poolID id.PoolID, page uint32) (*models.CitizenIndex, error) {
	var index models.CitizenIndex
	err := getJSON(ctx, r, s.indexKey(poolID, page), &index)
	if errors.Is(err, sentinel.ErrNotFound) {
		return models.NewUninitializedIndex(page), nil
	}
	if err != nil {
		return nil, fmt.Errorf("citizen index %d: %w", page, err)
	}
	return &index, nil
}

func (s *RedisStore) findCitizen(ctx context.Context, r reader, poolID id.PoolID, participant id.ParticipantID) (*models.Citizen, error) {
	var citizen models.Citizen
	if err := getJSON(ctx, r, s.citizenKey(poolID, participant), &citizen); err != nil {
		return nil, fmt.Errorf("citizen %s: %w", participant, err)
	}
	return &citizen, nil
}

func (s *RedisStore) set(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.client.Set(ctx, key, raw, 0).Err()
}

func (s *RedisStore) FindPool(ctx context.Context, poolID id.PoolID) (*models.GovernancePool, error) {
	return s.findPool(ctx, s.client, poolID)
}

func (s *RedisStore) SavePool(ctx context.Context, pool *models.GovernancePool) error {
	return s.set(ctx, s.poolKey(pool.ID), pool)
}

func (s *RedisStore) FindInvite(ctx context.Context, inviteID id.InviteID) (*models.GovernanceInvite, error) {
	return s.findInvite(ctx, s.client, inviteID)
}

func (s *RedisStore) SaveInvite(ctx context.Context, invite *models.GovernanceInvite) error {
	return s.set(ctx, s.inviteKey(invite.ID), invite)
}

func (s *RedisStore) FindCitizenIndex(ctx context.Context, poolID id.PoolID, page uint32) (*models.CitizenIndex, error) {
	return s.findCitizenIndex(ctx, s.client, poolID, page)
}

func (s *RedisStore) SaveCitizenIndex(ctx context.Context, poolID id.PoolID, index *models.CitizenIndex) error {
	return s.set(ctx, s.indexKey(poolID, index.Page), index)
}

func (s *RedisStore) FindCitizen(ctx context.Context, poolID id.PoolID, participant id.ParticipantID) (*models.Citizen, error) {
	return s.findCitizen(ctx, s.client, poolID, participant)
}

// CreateCitizen uses SETNX so a second record for the same address fails.
func (s *RedisStore) CreateCitizen(ctx context.Context, citizen *models.Citizen) error {
	key := s.citizenKey(citizen.GovernancePool, citizen.Participant)
	raw, err := json.Marshal(citizen)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	ok, err := s.client.SetNX(ctx, key, raw, 0).Result()
	if err != nil {
		return fmt.Errorf("create citizen: %w", err)
	}
	if !ok {
		return fmt.Errorf("citizen %s: %w", citizen.Participant, sentinel.ErrAlreadyUsed)
	}
	return nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, event models.CitizenAdded) error {
	return s.RunInTx(ctx, func(ctx context.Context, store ports.Store) error {
		return store.AppendEvent(ctx, event)
	})
}

// PendingEvents returns unpublished entries in commit order.
func (s *RedisStore) PendingEvents(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.client.LRange(ctx, s.outboxPendingKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	values, err := s.client.HMGet(ctx, s.outboxEntriesKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load pending events: %w", err)
	}
	entries := make([]models.OutboxEntry, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("outbox entry %s missing", ids[i])
		}
		var entry models.OutboxEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode outbox entry %s: %w", ids[i], err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// MarkPublished drops relayed entries from the outbox.
func (s *RedisStore) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, entryID := range ids {
			pipe.LRem(ctx, s.outboxPendingKey(), 0, entryID)
		}
		pipe.HDel(ctx, s.outboxEntriesKey(), ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark events published: %w", err)
	}
	return nil
}

// RunInTx runs fn against a view that WATCHes every key it reads and buffers
// every write until EXEC. When a watched key changes before EXEC the whole
// attempt is discarded and fn runs again. An error from fn is only returned
// once its reads are confirmed current; a decision made on stale reads is
// retried like any other conflict.
func (s *RedisStore) RunInTx(ctx context.Context, fn func(ctx context.Context, store ports.Store) error) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			t := newTxStore(s, rtx)
			if err := fn(ctx, t); err != nil {
				if verr := t.verify(ctx); errors.Is(verr, redis.TxFailedErr) {
					return verr
				}
				return err
			}
			return t.exec(ctx)
		})
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.metrics.IncTxRetries(backendName)
		if err := backoff(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("redis transaction gave up after %d attempts: %w", s.maxRetries, sentinel.ErrConflict)
}

func backoff(ctx context.Context, attempt int) error {
	d := time.Duration(1+rand.IntN(1+min(attempt, 10))) * time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

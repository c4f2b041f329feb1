// Package balance provides token balance sources for the redemption event.
// A participant without a recorded balance reports zero.
package balance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	id "sortition/pkg/domain"
)

type balanceKey struct {
	pool        id.PoolID
	participant id.ParticipantID
}

// InMemory is a balance table for tests and the single-process CLI.
type InMemory struct {
	mu       sync.RWMutex
	balances map[balanceKey]uint64
}

// NewInMemory returns an empty table.
func NewInMemory() *InMemory {
	return &InMemory{balances: make(map[balanceKey]uint64)}
}

// Set records participant's balance in pool.
func (b *InMemory) Set(poolID id.PoolID, participant id.ParticipantID, amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[balanceKey{poolID, participant}] = amount
}

func (b *InMemory) BalanceOf(_ context.Context, poolID id.PoolID, participant id.ParticipantID) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[balanceKey{poolID, participant}], nil
}

// Redis reads balances from one hash per pool, keyed by participant id.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis constructs a Redis balance reader. Keys are prefix+"balance:"+pool.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(poolID id.PoolID) string {
	return r.prefix + "balance:" + poolID.String()
}

func (r *Redis) BalanceOf(ctx context.Context, poolID id.PoolID, participant id.ParticipantID) (uint64, error) {
	raw, err := r.client.HGet(ctx, r.key(poolID), participant.String()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	amount, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode balance %q: %w", raw, err)
	}
	return amount, nil
}

// Set records participant's balance in pool.
func (r *Redis) Set(ctx context.Context, poolID id.PoolID, participant id.ParticipantID, amount uint64) error {
	if err := r.client.HSet(ctx, r.key(poolID), participant.String(), strconv.FormatUint(amount, 10)).Err(); err != nil {
		return fmt.Errorf("write balance: %w", err)
	}
	return nil
}

package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"sortition/internal/governance/models"
	"sortition/internal/governance/ports"
	id "sortition/pkg/domain"
	dErrors "sortition/pkg/domain-errors"
	"sortition/pkg/platform/sentinel"
)

// numShards spreads transaction locks across pools. Redemptions against the
// same pool always land on the same shard.
const numShards = 128

const defaultTxTimeout = 5 * time.Second

type indexKey struct {
	pool id.PoolID
	page uint32
}

// InMemory keeps governance records in maps. Records are copied on the way in
// and out so callers never share memory with the store.
type InMemory struct {
	mu       sync.RWMutex
	pools    map[id.PoolID]*models.GovernancePool
	invites  map[id.InviteID]*models.GovernanceInvite
	indices  map[indexKey]*models.CitizenIndex
	citizens map[id.AccountID]*models.Citizen
	outbox   []models.OutboxEntry // pending only, in append order

	shards  [numShards]sync.Mutex
	timeout time.Duration
}

// Option configures the in-memory store.
type Option func(*InMemory)

// WithTxTimeout bounds how long RunInTx waits when the caller set no deadline.
func WithTxTimeout(d time.Duration) Option {
	return func(s *InMemory) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New returns an empty store.
func New(opts ...Option) *InMemory {
	s := &InMemory{
		pools:    make(map[id.PoolID]*models.GovernancePool),
		invites:  make(map[id.InviteID]*models.GovernanceInvite),
		indices:  make(map[indexKey]*models.CitizenIndex),
		citizens: make(map[id.AccountID]*models.Citizen),
		timeout:  defaultTxTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) FindPool(_ context.Context, poolID id.PoolID) (*models.GovernancePool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.pools[poolID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, fmt.Errorf("pool %s: %w", poolID, sentinel.ErrNotFound)
}

func (s *InMemory) SavePool(_ context.Context, pool *models.GovernancePool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pool
	s.pools[pool.ID] = &cp
	return nil
}

func (s *InMemory) FindInvite(_ context.Context, inviteID id.InviteID) (*models.GovernanceInvite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if inv, ok := s.invites[inviteID]; ok {
		return inv.Clone(), nil
	}
	return nil, fmt.Errorf("invite %s: %w", inviteID, sentinel.ErrNotFound)
}

func (s *InMemory) SaveInvite(_ context.Context, invite *models.GovernanceInvite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites[invite.ID] = invite.Clone()
	return nil
}

func (s *InMemory) FindCitizenIndex(_ context.Context, poolID id.PoolID, page uint32) (*models.CitizenIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx, ok := s.indices[indexKey{poolID, page}]; ok {
		return idx.Clone(), nil
	}
	return models.NewUninitializedIndex(page), nil
}

func (s *InMemory) SaveCitizenIndex(_ context.Context, poolID id.PoolID, index *models.CitizenIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indices[indexKey{poolID, index.Page}] = index.Clone()
	return nil
}

func (s *InMemory) FindCitizen(_ context.Context, poolID id.PoolID, participant id.ParticipantID) (*models.Citizen, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.citizens[id.CitizenAddress(poolID, participant)]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, fmt.Errorf("citizen %s: %w", participant, sentinel.ErrNotFound)
}

func (s *InMemory) CreateCitizen(_ context.Context, citizen *models.Citizen) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCitizenLocked(citizen)
}

// createCitizenLocked must be called while holding s.mu.
func (s *InMemory) createCitizenLocked(citizen *models.Citizen) error {
	addr := citizen.Address()
	if _, exists := s.citizens[addr]; exists {
		return fmt.Errorf("citizen %s: %w", citizen.Participant, sentinel.ErrAlreadyUsed)
	}
	cp := *citizen
	s.citizens[addr] = &cp
	return nil
}

func (s *InMemory) AppendEvent(_ context.Context, event models.CitizenAdded) error {
	entry, err := models.NewOutboxEntry(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, entry)
	return nil
}

// PendingEvents returns unpublished outbox entries in append order.
func (s *InMemory) PendingEvents(_ context.Context, limit int) ([]models.OutboxEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := min(limit, len(s.outbox))
	if n == 0 {
		return nil, nil
	}
	out := make([]models.OutboxEntry, n)
	copy(out, s.outbox[:n])
	return out, nil
}

// MarkPublished drops relayed entries from the outbox.
func (s *InMemory) MarkPublished(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, entryID := range ids {
		want[entryID] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = slices.DeleteFunc(s.outbox, func(entry models.OutboxEntry) bool {
		_, ok := want[entry.ID]
		return ok
	})
	return nil
}

// RunInTx serializes transactions per pool with sharded locks and buffers
// writes so fn's effects become visible only when it returns nil.
func (s *InMemory) RunInTx(ctx context.Context, fn func(ctx context.Context, store ports.Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	shard := s.selectShard(ctx)
	s.shards[shard].Lock()
	defer s.shards[shard].Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	tx := newTxStore(s)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

// selectShard picks a shard from the transaction scope, or shard 0 when the
// caller set none.
func (s *InMemory) selectShard(ctx context.Context) int {
	if poolID, ok := ports.TxScope(ctx); ok {
		return int(hashPool(poolID) % numShards)
	}
	return 0
}

// hashPool is FNV-1a over the pool id bytes.
func hashPool(poolID id.PoolID) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for _, b := range poolID {
		h ^= uint32(b)
		h *= fnvPrime
	}
	return h
}

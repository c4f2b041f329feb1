package memory

import (
	"context"
	"fmt"

	"sortition/internal/governance/models"
	id "sortition/pkg/domain"
	"sortition/pkg/platform/sentinel"
)

// txStore overlays buffered writes on top of the base store. Reads see the
// transaction's own writes first.
type txStore struct {
	base *InMemory

	pools    map[id.PoolID]*models.GovernancePool
	invites  map[id.InviteID]*models.GovernanceInvite
	indices  map[indexKey]*models.CitizenIndex
	citizens map[id.AccountID]*models.Citizen
	events   []models.OutboxEntry
}

func newTxStore(base *InMemory) *txStore {
	return &txStore{
		base:     base,
		pools:    make(map[id.PoolID]*models.GovernancePool),
		invites:  make(map[id.InviteID]*models.GovernanceInvite),
		indices:  make(map[indexKey]*models.CitizenIndex),
		citizens: make(map[id.AccountID]*models.Citizen),
	}
}

func (t *txStore) FindPool(ctx context.Context, poolID id.PoolID) (*models.GovernancePool, error) {
	if p, ok := t.pools[poolID]; ok {
		cp := *p
		return &cp, nil
	}
	return t.base.FindPool(ctx, poolID)
}

func (t *txStore) SavePool(_ context.Context, pool *models.GovernancePool) error {
	cp := *pool
	t.pools[pool.ID] = &cp
	return nil
}

func (t *txStore) FindInvite(ctx context.Context, inviteID id.InviteID) (*models.GovernanceInvite, error) {
	if inv, ok := t.invites[inviteID]; ok {
		return inv.Clone(), nil
	}
	return t.base.FindInvite(ctx, inviteID)
}

func (t *txStore) SaveInvite(_ context.Context, invite *models.GovernanceInvite) error {
	t.invites[invite.ID] = invite.Clone()
	return nil
}

func (t *txStore) FindCitizenIndex(ctx context.Context, poolID id.PoolID, page uint32) (*models.CitizenIndex, error) {
	if idx, ok := t.indices[indexKey{poolID, page}]; ok {
		return idx.Clone(), nil
	}
	return t.base.FindCitizenIndex(ctx, poolID, page)
}

func (t *txStore) SaveCitizenIndex(_ context.Context, poolID id.PoolID, index *models.CitizenIndex) error {
	t.indices[indexKey{poolID, index.Page}] = index.Clone()
	return nil
}

func (t *txStore) FindCitizen(ctx context.Context, poolID id.PoolID, participant id.ParticipantID) (*models.Citizen, error) {
	if c, ok := t.citizens[id.CitizenAddress(poolID, participant)]; ok {
		cp := *c
		return &cp, nil
	}
	return t.base.FindCitizen(ctx, poolID, participant)
}

func (t *txStore) CreateCitizen(ctx context.Context, citizen *models.Citizen) error {
	addr := citizen.Address()
	if _, ok := t.citizens[addr]; ok {
		return fmt.Errorf("citizen %s: %w", citizen.Participant, sentinel.ErrAlreadyUsed)
	}
	if _, err := t.base.FindCitizen(ctx, citizen.GovernancePool, citizen.Participant); err == nil {
		return fmt.Errorf("citizen %s: %w", citizen.Participant, sentinel.ErrAlreadyUsed)
	}
	cp := *citizen
	t.citizens[addr] = &cp
	return nil
}

func (t *txStore) AppendEvent(_ context.Context, event models.CitizenAdded) error {
	entry, err := models.NewOutboxEntry(event)
	if err != nil {
		return err
	}
	t.events = append(t.events, entry)
	return nil
}

// commit applies every buffered write under the base lock. Citizen creation
// is re-checked so a non-transactional CreateCitizen racing the transaction
// cannot produce a second record.
func (t *txStore) commit() error {
	b := t.base
	b.mu.Lock()
	defer b.mu.Unlock()

	for addr, c := range t.citizens {
		if _, exists := b.citizens[addr]; exists {
			return fmt.Errorf("citizen %s: %w", c.Participant, sentinel.ErrAlreadyUsed)
		}
	}
	for addr, c := range t.citizens {
		b.citizens[addr] = c
	}
	for k, p := range t.pools {
		b.pools[k] = p
	}
	for k, inv := range t.invites {
		b.invites[k] = inv
	}
	for k, idx := range t.indices {
		b.indices[k] = idx
	}
	b.outbox = append(b.outbox, t.events...)
	return nil
}

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"sortition/internal/governance/models"
	id "sortition/pkg/domain"
	"sortition/pkg/platform/sentinel"
)

// txStore adapts one badger transaction to ports.Store. Badger transactions
// read their own pending writes, so nothing is buffered here.
type txStore struct {
	txn *badger.Txn
}

func (t *txStore) get(key []byte, dst any) error {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return sentinel.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, dst); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	})
}

func (t *txStore) put(key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return t.txn.Set(key, raw)
}

func (t *txStore) FindPool(_ context.Context, poolID id.PoolID) (*models.GovernancePool, error) {
	var pool models.GovernancePool
	if err := t.get(poolKey(poolID), &pool); err != nil {
		return nil, fmt.Errorf("pool %s: %w", poolID, err)
	}
	return &pool, nil
}

func (t *txStore) SavePool(_ context.Context, pool *models.GovernancePool) error {
	return t.put(poolKey(pool.ID), pool)
}

func (t *txStore) FindInvite(_ context.Context, inviteID id.InviteID) (*models.GovernanceInvite, error) {
	var invite models.GovernanceInvite
	if err := t.get(inviteKey(inviteID), &invite); err != nil {
		return nil, fmt.Errorf("invite %s: %w", inviteID, err)
	}
	return &invite, nil
}

func (t *txStore) SaveInvite(_ context.Context, invite *models.GovernanceInvite) error {
	return t.put(inviteKey(invite.ID), invite)
}

func (t *txStore) FindCitizenIndex(_ context.Context, poolID id.PoolID, page uint32) (*models.CitizenIndex, error) {
	var index models.CitizenIndex
	err := t.get(indexKey(poolID, page), &index)
	if errors.Is(err, sentinel.ErrNotFound) {
		return models.NewUninitializedIndex(page), nil
	}
	if err != nil {
		return nil, fmt.Errorf("citizen index %d: %w", page, err)
	}
	return &index, nil
}

func (t *txStore) SaveCitizenIndex(_ context.Context, poolID id.PoolID, index *models.CitizenIndex) error {
	return t.put(indexKey(poolID, index.Page), index)
}

func (t *txStore) FindCitizen(_ context.Context, poolID id.PoolID, participant id.ParticipantID) (*models.Citizen, error) {
	var citizen models.Citizen
	if err := t.get(citizenKey(poolID, participant), &citizen); err != nil {
		return nil, fmt.Errorf("citizen %s: %w", participant, err)
	}
	return &citizen, nil
}

// CreateCitizen reads the address before writing it, which puts the key in
// the transaction's read set; a concurrent creation then conflicts at commit.
func (t *txStore) CreateCitizen(_ context.Context, citizen *models.Citizen) error {
	key := citizenKey(citizen.GovernancePool, citizen.Participant)
	_, err := t.txn.Get(key)
	switch {
	case err == nil:
		return fmt.Errorf("citizen %s: %w", citizen.Participant, sentinel.ErrAlreadyUsed)
	case !errors.Is(err, badger.ErrKeyNotFound):
		return fmt.Errorf("check citizen: %w", err)
	}
	return t.put(key, citizen)
}

func (t *txStore) AppendEvent(_ context.Context, event models.CitizenAdded) error {
	entry, err := models.NewOutboxEntry(event)
	if err != nil {
		return err
	}
	return t.put(outboxKey(entry.ID), entry)
}

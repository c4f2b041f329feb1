package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/dgraph-io/badger/v4"

	"sortition/internal/governance/models"
	"sortition/internal/governance/ports"
	"sortition/internal/platform/metrics"
	id "sortition/pkg/domain"
	"sortition/pkg/platform/sentinel"
)

const (
	defaultMaxRetries = 50
	backendName       = "badger"
)

const (
	poolPrefix    = "pool/"
	invitePrefix  = "invite/"
	indexPrefix   = "index/"
	citizenPrefix = "citizen/"
	outboxPrefix  = "outbox/"
)

// BadgerStore keeps governance records in an embedded badger database.
// Badger's serializable transactions detect read-write conflicts at commit;
// RunInTx retries those.
type BadgerStore struct {
	db         *badger.DB
	maxRetries int
	metrics    *metrics.Metrics
}

// Option configures a BadgerStore.
type Option func(*BadgerStore)

// WithMaxRetries bounds conflict retries per transaction.
func WithMaxRetries(n int) Option {
	return func(s *BadgerStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithMetrics records conflict retries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *BadgerStore) {
		s.metrics = m
	}
}

// New wraps db. The caller owns db and closes it.
func New(db *badger.DB, opts ...Option) *BadgerStore {
	s := &BadgerStore{db: db, maxRetries: defaultMaxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func poolKey(poolID id.PoolID) []byte {
	return []byte(poolPrefix + poolID.String())
}

func inviteKey(inviteID id.InviteID) []byte {
	return []byte(invitePrefix + inviteID.String())
}

func indexKey(poolID id.PoolID, page uint32) []byte {
	return []byte(indexPrefix + id.CitizenIndexAddress(poolID, page).String())
}

func citizenKey(poolID id.PoolID, participant id.ParticipantID) []byte {
	return []byte(citizenPrefix + id.CitizenAddress(poolID, participant).String())
}

// outboxKey sorts by entry id; ids are UUIDv7 so keys sort by creation time.
func outboxKey(entryID string) []byte {
	return []byte(outboxPrefix + entryID)
}

func (s *BadgerStore) view(ctx context.Context, fn func(t *txStore) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&txStore{txn: txn})
	})
}

func (s *BadgerStore) FindPool(ctx context.Context, poolID id.PoolID) (pool *models.GovernancePool, err error) {
	err = s.view(ctx, func(t *txStore) error {
		pool, err = t.FindPool(ctx, poolID)
		return err
	})
	return pool, err
}

func (s *BadgerStore) SavePool(ctx context.Context, pool *models.GovernancePool) error {
	return s.RunInTx(ctx, func(ctx context.Context, store ports.Store) error {
		return store.SavePool(ctx, pool)
	})
}

func (s *BadgerStore) FindInvite(ctx context.Context, inviteID id.InviteID) (invite *models.GovernanceInvite, err error) {
	err = s.view(ctx, func(t *txStore) error {
		invite, err = t.FindInvite(ctx, inviteID)
		return err
	})
	return invite, err
}

func (s *BadgerStore) SaveInvite(ctx context.Context, invite *models.GovernanceInvite) error {
	return s.RunInTx(ctx, func(ctx context.Context, store ports.Store) error {
		return store.SaveInvite(ctx, invite)
	})
}

func (s *BadgerStore) FindCitizenIndex(ctx context.Context, poolID id.PoolID, page uint32) (index *models.CitizenIndex, err error) {
	err = s.view(ctx, func(t *txStore) error {
		index, err = t.FindCitizenIndex(ctx, poolID, page)
		return err
	})
	return index, err
}

func (s *BadgerStore) SaveCitizenIndex(ctx context.Context, poolID id.PoolID, index *models.CitizenIndex) error {
	return s.RunInTx(ctx, func(ctx context.Context, store ports.Store) error {
		return store.SaveCitizenIndex(ctx, poolID, index)
	})
}

func (s *BadgerStore) FindCitizen(ctx context.Context, poolID id.PoolID, participant id.ParticipantID) (citizen *models.Citizen, err error) {
	err = s.view(ctx, func(t *txStore) error {
		citizen, err = t.FindCitizen(ctx, poolID, participant)
		return err
	})
	return citizen, err
}

func (s *BadgerStore) CreateCitizen(ctx context.Context, citizen *models.Citizen) error {
	return s.RunInTx(ctx, func(ctx context.Context, store ports.Store) error {
		return store.CreateCitizen(ctx, citizen)
	})
}

func (s *BadgerStore) AppendEvent(ctx context.Context, event models.CitizenAdded) error {
	return s.RunInTx(ctx, func(ctx context.Context, store ports.Store) error {
		return store.AppendEvent(ctx, event)
	})
}

// PendingEvents scans the outbox prefix in key order.
func (s *BadgerStore) PendingEvents(ctx context.Context, limit int) ([]models.OutboxEntry, error) {
	var entries []models.OutboxEntry
	err := s.view(ctx, func(t *txStore) error {
		it := t.txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(outboxPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(entries) < limit; it.Next() {
			var entry models.OutboxEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("decode outbox entry %s: %w", it.Item().Key(), err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// MarkPublished deletes relayed entries.
func (s *BadgerStore) MarkPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, entryID := range ids {
			if err := txn.Delete(outboxKey(entryID)); err != nil {
				return fmt.Errorf("delete outbox entry %s: %w", entryID, err)
			}
		}
		return nil
	})
}

// RunInTx runs fn inside one badger read-write transaction, retrying the
// whole function when commit reports a conflict.
func (s *BadgerStore) RunInTx(ctx context.Context, fn func(ctx context.Context, store ports.Store) error) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return fn(ctx, &txStore{txn: txn})
	})
}

func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.metrics.IncTxRetries(backendName)
		if err := backoff(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("badger transaction gave up after %d attempts: %w", s.maxRetries, sentinel.ErrConflict)
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

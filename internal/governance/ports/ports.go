// Package ports defines the interfaces the governance service consumes.
// Storage backends, balance sources and notifiers implement these without
// importing the service.
package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks -exclude_interfaces=Store,StoreTx,Outbox

import (
	"context"

	"sortition/internal/governance/models"
	id "sortition/pkg/domain"
)

// Store reads and writes governance records. Inside StoreTx.RunInTx every call
// participates in the same atomic commit.
type Store interface {
	FindPool(ctx context.Context, poolID id.PoolID) (*models.GovernancePool, error)
	SavePool(ctx context.Context, pool *models.GovernancePool) error

	FindInvite(ctx context.Context, inviteID id.InviteID) (*models.GovernanceInvite, error)
	SaveInvite(ctx context.Context, invite *models.GovernanceInvite) error

	// FindCitizenIndex returns an Uninitialized page for an address that has
	// never been written; it never returns ErrNotFound.
	FindCitizenIndex(ctx context.Context, poolID id.PoolID, page uint32) (*models.CitizenIndex, error)
	SaveCitizenIndex(ctx context.Context, poolID id.PoolID, index *models.CitizenIndex) error

	FindCitizen(ctx context.Context, poolID id.PoolID, participant id.ParticipantID) (*models.Citizen, error)
	// CreateCitizen fails with sentinel.ErrAlreadyUsed when a record already
	// exists for (pool, participant).
	CreateCitizen(ctx context.Context, citizen *models.Citizen) error

	// AppendEvent writes event to the transactional outbox.
	AppendEvent(ctx context.Context, event models.CitizenAdded) error
}

// StoreTx runs fn inside one all-or-nothing transaction. Transactions touching
// the same pool are serialized; fn may be retried on write conflicts, so it
// must not have side effects outside the store.
type StoreTx interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, store Store) error) error
}

// Outbox exposes committed events to the relay.
type Outbox interface {
	// PendingEvents returns up to limit unpublished entries, oldest first.
	PendingEvents(ctx context.Context, limit int) ([]models.OutboxEntry, error)
	MarkPublished(ctx context.Context, ids []string) error
}

// BalanceReader reports a participant's governance token balance.
type BalanceReader interface {
	BalanceOf(ctx context.Context, poolID id.PoolID, participant id.ParticipantID) (uint64, error)
}

// Notifier receives CitizenAdded after commit. It is advisory; errors are
// logged and never undo the redemption.
type Notifier interface {
	CitizenAdded(ctx context.Context, event models.CitizenAdded) error
}

type txScopeKey struct{}

// WithTxScope tags ctx with the pool a transaction is about to touch. Backends
// that serialize with in-process locks use it to pick a lock; others ignore it.
func WithTxScope(ctx context.Context, poolID id.PoolID) context.Context {
	return context.WithValue(ctx, txScopeKey{}, poolID)
}

// TxScope returns the pool set by WithTxScope.
func TxScope(ctx context.Context) (id.PoolID, bool) {
	poolID, ok := ctx.Value(txScopeKey{}).(id.PoolID)
	return poolID, ok
}

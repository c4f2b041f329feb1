package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"sortition/internal/governance/balance"
	"sortition/internal/governance/models"
	"sortition/internal/governance/ports"
	"sortition/internal/governance/service"
	"sortition/internal/governance/store/storetest"
	"sortition/internal/platform/metrics"
	id "sortition/pkg/domain"
	dErrors "sortition/pkg/domain-errors"
	"sortition/pkg/platform/sentinel"
)

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStoreSuite(t *testing.T) {
	suite.Run(t, &storetest.Suite{
		NewBackend: func(t *testing.T) storetest.Backend {
			_, client := newMiniredisClient(t)
			return New(client, WithKeyPrefix("test:"))
		},
	})
}

func TestKeysAreNamespaced(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredisClient(t)
	store := New(client, WithKeyPrefix("sortition:"))

	pool := models.NewGovernancePool(id.NewPoolID())
	require.NoError(t, store.SavePool(ctx, pool))

	assert.True(t, mr.Exists("sortition:pool:"+pool.ID.String()))
}

func TestIndexKeyUsesDerivedAddress(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredisClient(t)
	store := New(client)

	pool := models.NewGovernancePool(id.NewPoolID())
	idx := models.NewUninitializedIndex(3)
	idx.ApplyInitialize(pool.ID)
	require.NoError(t, store.SaveCitizenIndex(ctx, pool.ID, idx))

	assert.True(t, mr.Exists("index:"+id.CitizenIndexAddress(pool.ID, 3).String()))
}

func TestRunInTxRetriesOnWatchConflict(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredisClient(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	store := New(client, WithMetrics(m))

	pool := models.NewGovernancePool(id.NewPoolID())
	require.NoError(t, store.SavePool(ctx, pool))

	attempts := 0
	err := store.RunInTx(ctx, func(ctx context.Context, tx ports.Store) error {
		attempts++
		p, err := tx.FindPool(ctx, pool.ID)
		if err != nil {
			return err
		}
		if attempts == 1 {
			// Another writer changes the watched key before EXEC.
			interfering := *p
			interfering.TotalCitizens = 10
			require.NoError(t, store.SavePool(ctx, &interfering))
		}
		p.ApplyCitizenRecorded()
		return tx.SavePool(ctx, p)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TxRetries.WithLabelValues("redis")))

	found, err := store.FindPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), found.TotalCitizens)
}

func TestRunInTxGivesUpWithConflict(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredisClient(t)
	store := New(client, WithMaxRetries(2))

	pool := models.NewGovernancePool(id.NewPoolID())
	require.NoError(t, store.SavePool(ctx, pool))

	err := store.RunInTx(ctx, func(ctx context.Context, tx ports.Store) error {
		p, err := tx.FindPool(ctx, pool.ID)
		if err != nil {
			return err
		}
		require.NoError(t, store.SavePool(ctx, p))
		return tx.SavePool(ctx, p)
	})
	assert.ErrorIs(t, err, sentinel.ErrConflict)
}

func TestConcurrentCitizenCreationInTx(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredisClient(t)
	store := New(client)

	citizen := models.NewCitizen(id.NewPoolID(), id.NewParticipantID(), models.Profile{Name: "Ada"})

	const goroutines = 10
	var wg sync.WaitGroup
	results := make(chan error, goroutines)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- store.RunInTx(ctx, func(ctx context.Context, tx ports.Store) error {
				return tx.CreateCitizen(ctx, citizen)
			})
		}()
	}
	wg.Wait()
	close(results)

	var created, duplicates int
	for err := range results {
		switch {
		case err == nil:
			created++
		case assert.ErrorIs(t, err, sentinel.ErrAlreadyUsed):
			duplicates++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, goroutines-1, duplicates)
}

func TestRunInTxRetriesErrorsDecidedOnStaleReads(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredisClient(t)
	store := New(client)

	pool := models.NewGovernancePool(id.NewPoolID())
	require.NoError(t, store.SavePool(ctx, pool))

	rejected := errors.New("rejected")
	attempts := 0
	err := store.RunInTx(ctx, func(ctx context.Context, tx ports.Store) error {
		attempts++
		p, err := tx.FindPool(ctx, pool.ID)
		if err != nil {
			return err
		}
		if attempts == 1 {
			// The pool moves on after it was read; the rejection below is stale.
			moved := *p
			moved.TotalCitizens = 1
			require.NoError(t, store.SavePool(ctx, &moved))
			return rejected
		}
		if p.TotalCitizens != 1 {
			return rejected
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRunInTxReturnsErrorsDecidedOnCurrentReads(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredisClient(t)
	store := New(client)

	pool := models.NewGovernancePool(id.NewPoolID())
	require.NoError(t, store.SavePool(ctx, pool))

	rejected := errors.New("rejected")
	attempts := 0
	err := store.RunInTx(ctx, func(ctx context.Context, tx ports.Store) error {
		attempts++
		if _, err := tx.FindPool(ctx, pool.ID); err != nil {
			return err
		}
		return rejected
	})
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, 1, attempts)
}

func TestConcurrentRedemptionsAcrossPageBoundary(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniredisClient(t)
	store := New(client, WithKeyPrefix("test:"), WithMaxRetries(1000))
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	svc := service.New(store, store, balance.NewInMemory(), service.WithClock(func() time.Time { return now }))

	pool := models.NewGovernancePool(id.NewPoolID())
	require.NoError(t, store.SavePool(ctx, pool))

	const total = models.CitizensPerIndex + 25
	invites := make([]id.InviteID, total)
	for i := range invites {
		invite := models.NewGovernanceInvite(id.NewInviteID(), pool.ID, now)
		require.NoError(t, store.SaveInvite(ctx, invite))
		invites[i] = invite.ID
	}

	var wg sync.WaitGroup
	failures := make(chan dErrors.Code, total)
	for _, inviteID := range invites {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RedeemInvite(ctx, service.RedeemRequest{
				Pool:        pool.ID,
				Invite:      inviteID,
				Participant: id.NewParticipantID(),
				Profile:     models.Profile{Name: "crowd"},
			})
			if err != nil {
				failures <- dErrors.CodeOf(err)
			}
		}()
	}
	wg.Wait()
	close(failures)

	codes := map[dErrors.Code]int{}
	for code := range failures {
		codes[code]++
	}
	assert.Empty(t, codes)

	stored, err := store.FindPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(total), stored.TotalCitizens)
	assert.Equal(t, uint32(1), stored.TotalCitizenIndices)

	var indexed uint32
	for page := uint32(0); page <= stored.ActivePage(); page++ {
		index, err := store.FindCitizenIndex(ctx, pool.ID, page)
		require.NoError(t, err)
		assert.LessOrEqual(t, index.Count, uint32(models.CitizensPerIndex))
		assert.Len(t, index.Citizens, int(index.Count))
		indexed += index.Count
	}
	assert.Equal(t, uint32(total), indexed)
}

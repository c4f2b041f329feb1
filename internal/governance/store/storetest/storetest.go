// Package storetest holds the behaviour every governance store backend must
// share. Backend test files embed Suite and supply a constructor.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"sortition/internal/governance/models"
	"sortition/internal/governance/ports"
	id "sortition/pkg/domain"
	"sortition/pkg/platform/sentinel"
)

// Backend is a store that supports transactions and the outbox.
type Backend interface {
	ports.Store
	ports.StoreTx
	ports.Outbox
}

// Suite runs the shared store contract against the backend returned by
// NewBackend. NewBackend is called once per test and must return an empty
// store.
type Suite struct {
	suite.Suite
	NewBackend func(t *testing.T) Backend

	Store Backend
	Ctx   context.Context
}

func (s *Suite) SetupTest() {
	s.Ctx = context.Background()
	s.Store = s.NewBackend(s.T())
}

func (s *Suite) givenPool() *models.GovernancePool {
	pool := models.NewGovernancePool(id.NewPoolID())
	s.Require().NoError(s.Store.SavePool(s.Ctx, pool))
	return pool
}

func (s *Suite) TestPools() {
	s.Run("round trips counters", func() {
		pool := s.givenPool()
		pool.TotalCitizens = 250
		pool.TotalCitizenIndices = 2
		s.Require().NoError(s.Store.SavePool(s.Ctx, pool))

		found, err := s.Store.FindPool(s.Ctx, pool.ID)
		s.Require().NoError(err)
		s.Equal(*pool, *found)
	})

	s.Run("returns ErrNotFound for unknown pool", func() {
		_, err := s.Store.FindPool(s.Ctx, id.NewPoolID())
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *Suite) TestInvites() {
	pool := s.givenPool()
	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	s.Run("round trips an unused invite", func() {
		invite := models.NewGovernanceInvite(id.NewInviteID(), pool.ID, expires)
		s.Require().NoError(s.Store.SaveInvite(s.Ctx, invite))

		found, err := s.Store.FindInvite(s.Ctx, invite.ID)
		s.Require().NoError(err)
		s.Equal(invite.ID, found.ID)
		s.Equal(pool.ID, found.GovernancePool)
		s.False(found.IsUsed)
		s.Nil(found.UsedBy)
		s.True(expires.Equal(found.ExpiresAt))
	})

	s.Run("round trips a consumed invite", func() {
		invite := models.NewGovernanceInvite(id.NewInviteID(), pool.ID, expires)
		participant := id.NewParticipantID()
		invite.ApplyRedemption(participant)
		s.Require().NoError(s.Store.SaveInvite(s.Ctx, invite))

		found, err := s.Store.FindInvite(s.Ctx, invite.ID)
		s.Require().NoError(err)
		s.True(found.IsUsed)
		s.Require().NotNil(found.UsedBy)
		s.Equal(participant, *found.UsedBy)
	})

	s.Run("returns ErrNotFound for unknown invite", func() {
		_, err := s.Store.FindInvite(s.Ctx, id.NewInviteID())
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *Suite) TestCitizenIndices() {
	pool := s.givenPool()

	s.Run("unwritten page is uninitialized", func() {
		idx, err := s.Store.FindCitizenIndex(s.Ctx, pool.ID, 7)
		s.Require().NoError(err)
		s.Equal(uint32(7), idx.Page)
		s.Equal(models.IndexUninitialized, idx.State)
		s.Empty(idx.Citizens)
	})

	s.Run("active page keeps append order", func() {
		idx := models.NewUninitializedIndex(0)
		idx.ApplyInitialize(pool.ID)
		first, second := id.NewParticipantID(), id.NewParticipantID()
		idx.ApplyAppend(first)
		idx.ApplyAppend(second)
		s.Require().NoError(s.Store.SaveCitizenIndex(s.Ctx, pool.ID, idx))

		found, err := s.Store.FindCitizenIndex(s.Ctx, pool.ID, 0)
		s.Require().NoError(err)
		s.Equal(models.IndexActive, found.State)
		s.Equal(pool.ID, found.GovernancePool)
		s.Equal([]id.ParticipantID{first, second}, found.Citizens)
		s.Equal(uint32(2), found.Count)
	})

	s.Run("pages are scoped to their pool", func() {
		other := s.givenPool()
		idx, err := s.Store.FindCitizenIndex(s.Ctx, other.ID, 0)
		s.Require().NoError(err)
		s.False(idx.IsActive())
	})
}

func (s *Suite) TestCitizens() {
	pool := s.givenPool()
	profile := models.Profile{Name: "Ada", Region: 3, AgeGroup: 2, OtherDemographic: 1}

	s.Run("creates and finds citizen", func() {
		citizen := models.NewCitizen(pool.ID, id.NewParticipantID(), profile)
		s.Require().NoError(s.Store.CreateCitizen(s.Ctx, citizen))

		found, err := s.Store.FindCitizen(s.Ctx, pool.ID, citizen.Participant)
		s.Require().NoError(err)
		s.Equal(*citizen, *found)
	})

	s.Run("rejects a second record for the same participant", func() {
		citizen := models.NewCitizen(pool.ID, id.NewParticipantID(), profile)
		s.Require().NoError(s.Store.CreateCitizen(s.Ctx, citizen))

		err := s.Store.CreateCitizen(s.Ctx, citizen)
		s.ErrorIs(err, sentinel.ErrAlreadyUsed)
	})

	s.Run("same participant may join another pool", func() {
		participant := id.NewParticipantID()
		other := s.givenPool()
		s.Require().NoError(s.Store.CreateCitizen(s.Ctx, models.NewCitizen(pool.ID, participant, profile)))
		s.Require().NoError(s.Store.CreateCitizen(s.Ctx, models.NewCitizen(other.ID, participant, profile)))
	})

	s.Run("returns ErrNotFound for unknown citizen", func() {
		_, err := s.Store.FindCitizen(s.Ctx, pool.ID, id.NewParticipantID())
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *Suite) TestRunInTx() {
	s.Run("commits every write together", func() {
		pool := s.givenPool()
		citizen := models.NewCitizen(pool.ID, id.NewParticipantID(), models.Profile{Name: "Grace"})

		err := s.Store.RunInTx(ports.WithTxScope(s.Ctx, pool.ID), func(ctx context.Context, store ports.Store) error {
			p, err := store.FindPool(ctx, pool.ID)
			if err != nil {
				return err
			}
			p.ApplyCitizenRecorded()
			if err := store.SavePool(ctx, p); err != nil {
				return err
			}
			if err := store.CreateCitizen(ctx, citizen); err != nil {
				return err
			}
			// Writes are visible to later reads in the same transaction.
			if _, err := store.FindCitizen(ctx, pool.ID, citizen.Participant); err != nil {
				return err
			}
			return store.AppendEvent(ctx, models.CitizenAdded{GovernancePool: pool.ID, Citizen: citizen.Participant})
		})
		s.Require().NoError(err)

		found, err := s.Store.FindPool(s.Ctx, pool.ID)
		s.Require().NoError(err)
		s.Equal(uint32(1), found.TotalCitizens)
		_, err = s.Store.FindCitizen(s.Ctx, pool.ID, citizen.Participant)
		s.NoError(err)
	})

	s.Run("discards every write when fn fails", func() {
		pool := s.givenPool()
		citizen := models.NewCitizen(pool.ID, id.NewParticipantID(), models.Profile{Name: "Linus"})
		pending, err := s.Store.PendingEvents(s.Ctx, 1000)
		s.Require().NoError(err)
		boom := errors.New("boom")

		err = s.Store.RunInTx(ports.WithTxScope(s.Ctx, pool.ID), func(ctx context.Context, store ports.Store) error {
			p, err := store.FindPool(ctx, pool.ID)
			if err != nil {
				return err
			}
			p.ApplyCitizenRecorded()
			if err := store.SavePool(ctx, p); err != nil {
				return err
			}
			if err := store.CreateCitizen(ctx, citizen); err != nil {
				return err
			}
			if err := store.AppendEvent(ctx, models.CitizenAdded{GovernancePool: pool.ID}); err != nil {
				return err
			}
			return boom
		})
		s.Require().ErrorIs(err, boom)

		found, err := s.Store.FindPool(s.Ctx, pool.ID)
		s.Require().NoError(err)
		s.Zero(found.TotalCitizens)
		_, err = s.Store.FindCitizen(s.Ctx, pool.ID, citizen.Participant)
		s.ErrorIs(err, sentinel.ErrNotFound)
		after, err := s.Store.PendingEvents(s.Ctx, 1000)
		s.Require().NoError(err)
		s.Len(after, len(pending))
	})

	s.Run("serializes read-modify-write on one pool", func() {
		pool := s.givenPool()
		const workers = 8

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.Store.RunInTx(ports.WithTxScope(s.Ctx, pool.ID), func(ctx context.Context, store ports.Store) error {
					p, err := store.FindPool(ctx, pool.ID)
					if err != nil {
						return err
					}
					p.ApplyCitizenRecorded()
					return store.SavePool(ctx, p)
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			s.Require().NoError(err)
		}

		found, err := s.Store.FindPool(s.Ctx, pool.ID)
		s.Require().NoError(err)
		s.Equal(uint32(workers), found.TotalCitizens)
	})
}

func (s *Suite) TestOutbox() {
	pool := s.givenPool()
	var appended []id.ParticipantID
	for range 3 {
		participant := id.NewParticipantID()
		appended = append(appended, participant)
		err := s.Store.RunInTx(s.Ctx, func(ctx context.Context, store ports.Store) error {
			return store.AppendEvent(ctx, models.CitizenAdded{
				GovernancePool: pool.ID,
				Citizen:        participant,
				TokenAmount:    42,
				OccurredAt:     time.Now().UTC(),
			})
		})
		s.Require().NoError(err)
		// UUIDv7 ids only order reliably across distinct milliseconds.
		time.Sleep(2 * time.Millisecond)
	}

	s.Run("returns pending entries oldest first", func() {
		pending, err := s.Store.PendingEvents(s.Ctx, 10)
		s.Require().NoError(err)
		s.Require().Len(pending, 3)
		for i, entry := range pending {
			s.Equal(models.EventCitizenAdded, entry.EventType)
			s.Equal(pool.ID.String(), entry.Key)
			s.Contains(string(entry.Payload), appended[i].String())
		}
	})

	s.Run("honours the limit", func() {
		pending, err := s.Store.PendingEvents(s.Ctx, 2)
		s.Require().NoError(err)
		s.Len(pending, 2)
	})

	s.Run("published entries are no longer pending", func() {
		pending, err := s.Store.PendingEvents(s.Ctx, 1)
		s.Require().NoError(err)
		s.Require().Len(pending, 1)
		s.Require().NoError(s.Store.MarkPublished(s.Ctx, []string{pending[0].ID}))

		rest, err := s.Store.PendingEvents(s.Ctx, 10)
		s.Require().NoError(err)
		s.Len(rest, 2)
		for _, entry := range rest {
			s.NotEqual(pending[0].ID, entry.ID)
		}
	})
}

package service

import (
	"context"
	"errors"

	"sortition/internal/governance/models"
	id "sortition/pkg/domain"
	dErrors "sortition/pkg/domain-errors"
	"sortition/pkg/platform/sentinel"
)

func (s *Service) GetPool(ctx context.Context, poolID id.PoolID) (*models.GovernancePool, error) {
	pool, err := s.store.FindPool(ctx, poolID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "governance pool not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load governance pool")
	}
	return pool, nil
}

func (s *Service) GetInvite(ctx context.Context, inviteID id.InviteID) (*models.GovernanceInvite, error) {
	invite, err := s.store.FindInvite(ctx, inviteID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "invite not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load invite")
	}
	return invite, nil
}

func (s *Service) GetCitizen(ctx context.Context, poolID id.PoolID, participant id.ParticipantID) (*models.Citizen, error) {
	citizen, err := s.store.FindCitizen(ctx, poolID, participant)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "citizen not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load citizen")
	}
	return citizen, nil
}

// GetCitizenIndex returns one index page. Pages past the pool's active page
// come back Uninitialized.
func (s *Service) GetCitizenIndex(ctx context.Context, poolID id.PoolID, page uint32) (*models.CitizenIndex, error) {
	index, err := s.store.FindCitizenIndex(ctx, poolID, page)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load citizen index")
	}
	return index, nil
}

// ListCitizens walks index pages 0 through the active page and returns every
// citizen in registration order.
func (s *Service) ListCitizens(ctx context.Context, poolID id.PoolID) ([]*models.Citizen, error) {
	pool, err := s.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	citizens := make([]*models.Citizen, 0, pool.TotalCitizens)
	for page := uint32(0); page <= pool.ActivePage(); page++ {
		index, err := s.GetCitizenIndex(ctx, poolID, page)
		if err != nil {
			return nil, err
		}
		if !index.IsActive() {
			break
		}
		for _, participant := range index.Citizens {
			citizen, err := s.GetCitizen(ctx, poolID, participant)
			if err != nil {
				return nil, err
			}
			citizens = append(citizens, citizen)
		}
	}
	return citizens, nil
}

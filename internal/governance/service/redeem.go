package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sortition/internal/governance/models"
	"sortition/internal/governance/ports"
	id "sortition/pkg/domain"
	dErrors "sortition/pkg/domain-errors"
	"sortition/pkg/platform/sentinel"
)

// RedeemRequest names the invite being redeemed and the participant redeeming
// it. Participant is the caller-authenticated identity and is trusted as is.
type RedeemRequest struct {
	Pool        id.PoolID
	Invite      id.InviteID
	Participant id.ParticipantID
	Profile     models.Profile
}

func (r RedeemRequest) validate() error {
	switch {
	case r.Pool.IsNil():
		return dErrors.New(dErrors.CodeInvalidInput, "governance pool is required")
	case r.Invite.IsNil():
		return dErrors.New(dErrors.CodeInvalidInput, "invite is required")
	case r.Participant.IsNil():
		return dErrors.New(dErrors.CodeInvalidInput, "participant is required")
	}
	return r.Profile.Validate()
}

// RedeemInvite turns an unused, unexpired invite into a citizen of its pool.
// Pool counters, the active index page, the invite, the new citizen and the
// outbox event commit together or not at all.
func (s *Service) RedeemInvite(ctx context.Context, req RedeemRequest) (result *models.Redemption, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "governance.redeem_invite",
		trace.WithAttributes(
			attribute.String("governance.pool_id", req.Pool.String()),
			attribute.String("governance.invite_id", req.Invite.String()),
		),
	)
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(dErrors.CodeOf(err))
			span.SetStatus(codes.Error, err.Error())
		}
		s.metrics.ObserveRedemption(outcome, time.Since(start))
		span.End()
	}()

	if err := req.validate(); err != nil {
		return nil, err
	}

	// Read before the transaction; the transition itself never blocks on I/O.
	balance, err := s.balances.BalanceOf(ctx, req.Pool, req.Participant)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read token balance")
	}
	now := s.now()

	var redemption *models.Redemption
	err = s.tx.RunInTx(ports.WithTxScope(ctx, req.Pool), func(ctx context.Context, store ports.Store) error {
		r, err := s.redeemInTx(ctx, store, req, balance, now)
		if err != nil {
			return err
		}
		redemption = r
		return nil
	})
	if err != nil {
		s.logger.InfoContext(ctx, "invite redemption rejected",
			"pool_id", req.Pool.String(),
			"invite_id", req.Invite.String(),
			"participant_id", req.Participant.String(),
			"code", string(dErrors.CodeOf(translate(err))),
		)
		return nil, translate(err)
	}

	pageFilled := redemption.Pool.TotalCitizens%models.CitizensPerIndex == 0
	s.metrics.IncCitizensRegistered(pageFilled)
	span.SetAttributes(
		attribute.Int64("governance.page", int64(redemption.Index.Page)),
		attribute.Int64("governance.total_citizens", int64(redemption.Pool.TotalCitizens)),
	)
	s.logger.InfoContext(ctx, "citizen added to governance",
		"pool_id", req.Pool.String(),
		"participant_id", req.Participant.String(),
		"page", redemption.Index.Page,
		"total_citizens", redemption.Pool.TotalCitizens,
		"token_amount", redemption.Event.TokenAmount,
	)
	s.notify(ctx, redemption.Event)

	return redemption, nil
}

func (s *Service) redeemInTx(ctx context.Context, store ports.Store, req RedeemRequest, balance uint64, now time.Time) (*models.Redemption, error) {
	pool, err := store.FindPool(ctx, req.Pool)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "governance pool not found")
		}
		return nil, err
	}
	invite, err := store.FindInvite(ctx, req.Invite)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeInvalidInvite, "invite not found")
		}
		return nil, err
	}
	index, err := store.FindCitizenIndex(ctx, pool.ID, pool.ActivePage())
	if err != nil {
		return nil, err
	}

	r, err := models.Redeem(models.RedeemInput{
		Pool:         pool,
		Invite:       invite,
		Index:        index,
		Participant:  req.Participant,
		Profile:      req.Profile,
		TokenBalance: balance,
		Now:          now,
	})
	if err != nil {
		return nil, err
	}

	if err := store.CreateCitizen(ctx, r.Citizen); err != nil {
		return nil, err
	}
	if err := store.SaveCitizenIndex(ctx, pool.ID, r.Index); err != nil {
		return nil, err
	}
	if err := store.SavePool(ctx, r.Pool); err != nil {
		return nil, err
	}
	if err := store.SaveInvite(ctx, r.Invite); err != nil {
		return nil, err
	}
	if err := store.AppendEvent(ctx, r.Event); err != nil {
		return nil, err
	}
	return r, nil
}

// notify delivers the advisory event. Failures are logged; the redemption is
// already committed.
func (s *Service) notify(ctx context.Context, event models.CitizenAdded) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.CitizenAdded(ctx, event); err != nil {
		s.metrics.IncNotifierFailures()
		s.logger.WarnContext(ctx, "citizen added notification failed",
			"pool_id", event.GovernancePool.String(),
			"participant_id", event.Citizen.String(),
			"error", err,
		)
	}
}

// translate maps store sentinels onto domain codes. Coded errors pass through.
func translate(err error) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.Wrap(err, dErrors.CodeCitizenExists, "participant is already a citizen of this governance pool")
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "record not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "concurrent redemption conflict, retry")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "redemption timed out")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to redeem invite")
	}
}

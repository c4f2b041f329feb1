package models

import (
	"time"

	id "sortition/pkg/domain"
)

// RedeemInput is everything the transition reads. All of it must be loaded
// before Redeem runs; the transition itself never touches storage.
type RedeemInput struct {
	Pool         *GovernancePool
	Invite       *GovernanceInvite
	Index        *CitizenIndex
	Participant  id.ParticipantID
	Profile      Profile
	TokenBalance uint64
	Now          time.Time
}

// Redemption is the post-image of a successful redemption. Callers persist
// every field in one atomic commit.
type Redemption struct {
	Citizen *Citizen
	Pool    *GovernancePool
	Invite  *GovernanceInvite
	Index   *CitizenIndex
	Event   CitizenAdded
}

// Redeem converts an invite into a citizen. It validates every precondition
// first and works on copies, so the input records are never modified and a
// failed redemption leaves no partial state.
func Redeem(in RedeemInput) (*Redemption, error) {
	if err := in.Profile.Validate(); err != nil {
		return nil, err
	}
	if err := in.Invite.CanRedeem(in.Pool.ID, in.Now); err != nil {
		return nil, err
	}
	if err := in.Index.CheckAddressedBy(in.Pool); err != nil {
		return nil, err
	}
	if err := in.Pool.CanRecordCitizen(); err != nil {
		return nil, err
	}

	index := in.Index.Clone()
	index.ApplyInitialize(in.Pool.ID)
	if err := index.CanAppend(); err != nil {
		return nil, err
	}

	pool := *in.Pool
	invite := in.Invite.Clone()
	citizen := NewCitizen(pool.ID, in.Participant, in.Profile)

	index.ApplyAppend(in.Participant)
	pool.ApplyCitizenRecorded()
	invite.ApplyRedemption(in.Participant)

	return &Redemption{
		Citizen: citizen,
		Pool:    &pool,
		Invite:  invite,
		Index:   index,
		Event: CitizenAdded{
			GovernancePool: pool.ID,
			Citizen:        in.Participant,
			TokenAmount:    in.TokenBalance,
			OccurredAt:     in.Now,
		},
	}, nil
}

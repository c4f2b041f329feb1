package models

import (
	"time"

	id "sortition/pkg/domain"
	dErrors "sortition/pkg/domain-errors"
)

// GovernanceInvite is a single-use token that lets one participant register
// as a citizen of a pool. Once IsUsed is set it never resets.
type GovernanceInvite struct {
	ID             id.InviteID       `json:"id"`
	GovernancePool id.PoolID         `json:"governance_pool"`
	IsUsed         bool              `json:"is_used"`
	UsedBy         *id.ParticipantID `json:"used_by,omitempty"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// NewGovernanceInvite returns an unused invite for pool.
func NewGovernanceInvite(inviteID id.InviteID, pool id.PoolID, expiresAt time.Time) *GovernanceInvite {
	return &GovernanceInvite{
		ID:             inviteID,
		GovernancePool: pool,
		ExpiresAt:      expiresAt,
	}
}

// CanRedeem checks the invite against the pool being redeemed and the current
// time. The checks run in a fixed order so a used invite from another pool
// reports InvalidInvite.
func (i *GovernanceInvite) CanRedeem(pool id.PoolID, now time.Time) error {
	if i.GovernancePool != pool {
		return dErrors.New(dErrors.CodeInvalidInvite, "invite does not belong to this governance pool")
	}
	if i.IsUsed {
		return dErrors.New(dErrors.CodeInviteAlreadyUsed, "invite has already been used")
	}
	if now.After(i.ExpiresAt) {
		return dErrors.New(dErrors.CodeInviteExpired, "invite has expired")
	}
	return nil
}

// ApplyRedemption consumes the invite. Call CanRedeem first.
func (i *GovernanceInvite) ApplyRedemption(participant id.ParticipantID) {
	i.IsUsed = true
	i.UsedBy = &participant
}

// Clone returns a deep copy.
func (i *GovernanceInvite) Clone() *GovernanceInvite {
	c := *i
	if i.UsedBy != nil {
		usedBy := *i.UsedBy
		c.UsedBy = &usedBy
	}
	return &c
}

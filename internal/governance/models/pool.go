package models

import (
	"math"

	id "sortition/pkg/domain"
	dErrors "sortition/pkg/domain-errors"
)

// CitizensPerIndex is the capacity of one citizen index page.
const CitizensPerIndex = 100

// GovernancePool is the aggregate that owns a citizenry and its counters.
//
// Invariants (after every committed redemption):
//   - TotalCitizens grows by exactly one per redemption
//   - TotalCitizenIndices == TotalCitizens / CitizensPerIndex, i.e. it counts
//     pages that have been filled, not pages that exist
type GovernancePool struct {
	ID                  id.PoolID `json:"id"`
	TotalCitizens       uint32    `json:"total_citizens"`
	TotalCitizenIndices uint32    `json:"total_citizen_indices"`
}

// NewGovernancePool returns an empty pool.
func NewGovernancePool(poolID id.PoolID) *GovernancePool {
	return &GovernancePool{ID: poolID}
}

// ActivePage is the index page the next citizen is appended to. Full pages are
// never reopened.
func (p *GovernancePool) ActivePage() uint32 {
	return ActivePageFor(p.TotalCitizens)
}

// ActivePageFor maps a citizen count to the page that receives the next
// citizen.
func ActivePageFor(totalCitizens uint32) uint32 {
	return totalCitizens / CitizensPerIndex
}

// CanRecordCitizen reports whether the counters can absorb another citizen.
func (p *GovernancePool) CanRecordCitizen() error {
	if p.TotalCitizens == math.MaxUint32 {
		return dErrors.New(dErrors.CodeInvariantViolation, "governance pool citizen counter exhausted")
	}
	return nil
}

// ApplyCitizenRecorded bumps TotalCitizens and, when the bump lands on a page
// boundary, TotalCitizenIndices. The page counter moves one redemption after
// the page was lazily created, so it tracks filled pages.
func (p *GovernancePool) ApplyCitizenRecorded() {
	p.TotalCitizens++
	if p.TotalCitizens%CitizensPerIndex == 0 {
		p.TotalCitizenIndices++
	}
}

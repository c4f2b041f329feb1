package models

import (
	"fmt"

	id "sortition/pkg/domain"
	dErrors "sortition/pkg/domain-errors"
)

// IndexState tags whether an index page has been written yet. Pages are
// addressed before they exist, so storage hands back Uninitialized pages for
// addresses it has never seen.
type IndexState uint8

const (
	IndexUninitialized IndexState = iota
	IndexActive
)

func (s IndexState) String() string {
	switch s {
	case IndexUninitialized:
		return "uninitialized"
	case IndexActive:
		return "active"
	default:
		return fmt.Sprintf("IndexState(%d)", uint8(s))
	}
}

// CitizenIndex is one fixed-capacity, append-only page of citizen
// identifiers. Count mirrors len(Citizens).
type CitizenIndex struct {
	Page           uint32             `json:"page"`
	State          IndexState         `json:"state"`
	GovernancePool id.PoolID          `json:"governance_pool"`
	Citizens       []id.ParticipantID `json:"citizens"`
	Count          uint32             `json:"count"`
}

// NewUninitializedIndex is the value storage returns for a page address that
// has never been written.
func NewUninitializedIndex(page uint32) *CitizenIndex {
	return &CitizenIndex{Page: page, State: IndexUninitialized}
}

// IsActive reports whether the page has been initialized.
func (c *CitizenIndex) IsActive() bool {
	return c.State == IndexActive
}

// IsFull reports whether the page holds CitizensPerIndex entries.
func (c *CitizenIndex) IsFull() bool {
	return c.Count >= CitizensPerIndex
}

// Address is the derived storage identity of the page.
func (c *CitizenIndex) Address(pool id.PoolID) id.AccountID {
	return id.CitizenIndexAddress(pool, c.Page)
}

// CheckAddressedBy asserts that this is the page the pool's counters point at.
// A mismatch means the caller derived the page from stale counters.
func (c *CitizenIndex) CheckAddressedBy(pool *GovernancePool) error {
	if want := pool.ActivePage(); c.Page != want {
		return dErrors.New(dErrors.CodeIndexPageMismatch,
			fmt.Sprintf("citizen index page %d supplied, pool addresses page %d", c.Page, want))
	}
	if c.IsActive() && c.GovernancePool != pool.ID {
		return dErrors.New(dErrors.CodeIndexPageMismatch, "citizen index page belongs to another governance pool")
	}
	return nil
}

// ApplyInitialize moves an uninitialized page to Active for pool. Active pages
// are left untouched.
func (c *CitizenIndex) ApplyInitialize(pool id.PoolID) {
	if c.IsActive() {
		return
	}
	c.State = IndexActive
	c.GovernancePool = pool
	c.Citizens = make([]id.ParticipantID, 0, CitizensPerIndex)
	c.Count = 0
}

// CanAppend rejects appends to a full page.
func (c *CitizenIndex) CanAppend() error {
	if len(c.Citizens) >= CitizensPerIndex || c.IsFull() {
		return dErrors.New(dErrors.CodeCitizenIndexFull, "citizen index page is full")
	}
	return nil
}

// ApplyAppend adds participant at the end of the page. Call CanAppend first.
func (c *CitizenIndex) ApplyAppend(participant id.ParticipantID) {
	c.Citizens = append(c.Citizens, participant)
	c.Count++
}

// Clone returns a deep copy.
func (c *CitizenIndex) Clone() *CitizenIndex {
	cp := *c
	if c.Citizens != nil {
		cp.Citizens = make([]id.ParticipantID, len(c.Citizens), max(len(c.Citizens), CitizensPerIndex))
		copy(cp.Citizens, c.Citizens)
	}
	return &cp
}

package domain

import (
	"encoding/binary"

	"github.com/google/uuid"

	dErrors "sortition/pkg/domain-errors"
)

// Typed identifiers. Each wraps a UUID so a pool can never be passed where a
// participant is expected; conversion requires an explicit cast.
type (
	PoolID        uuid.UUID
	InviteID      uuid.UUID
	ParticipantID uuid.UUID
	AccountID     uuid.UUID
)

// NewPoolID returns a random pool identifier.
func NewPoolID() PoolID { return PoolID(uuid.New()) }

// NewInviteID returns a random invite identifier.
func NewInviteID() InviteID { return InviteID(uuid.New()) }

// NewParticipantID returns a random participant identifier.
func NewParticipantID() ParticipantID { return ParticipantID(uuid.New()) }

func (id PoolID) String() string        { return uuid.UUID(id).String() }
func (id InviteID) String() string      { return uuid.UUID(id).String() }
func (id ParticipantID) String() string { return uuid.UUID(id).String() }
func (id AccountID) String() string     { return uuid.UUID(id).String() }

func (id PoolID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id InviteID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id ParticipantID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// MarshalText and UnmarshalText let the ids travel as plain UUID strings in
// JSON payloads and redis/badger values.
func (id PoolID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id *PoolID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id InviteID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id *InviteID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id ParticipantID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id *ParticipantID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

// ParsePoolID parses a pool identifier from external input.
func ParsePoolID(s string) (PoolID, error) {
	u, err := parseUUID(s, "pool id")
	return PoolID(u), err
}

// ParseInviteID parses an invite identifier from external input.
func ParseInviteID(s string) (InviteID, error) {
	u, err := parseUUID(s, "invite id")
	return InviteID(u), err
}

// ParseParticipantID parses a participant identifier from external input.
func ParseParticipantID(s string) (ParticipantID, error) {
	u, err := parseUUID(s, "participant id")
	return ParticipantID(u), err
}

// parseUUID rejects empty, malformed and nil UUIDs with CodeInvalidInput.
func parseUUID(s, field string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, field+" cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+field)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, field+" cannot be nil")
	}
	return u, nil
}

// Derived addresses. Records that are keyed by a tuple rather than minted get
// a deterministic name-based UUID so every backend agrees on their identity
// without a lookup table.
var addressNamespace = uuid.MustParse("7d1c6f0e-3b64-5a0c-9e7b-2f51c0a3d9b4")

// CitizenIndexAddress derives the address of index page `page` of pool.
func CitizenIndexAddress(pool PoolID, page uint32) AccountID {
	seed := make([]byte, 0, len("citizen_index")+16+4)
	seed = append(seed, "citizen_index"...)
	seed = append(seed, pool[:]...)
	seed = binary.LittleEndian.AppendUint32(seed, page)
	return AccountID(uuid.NewSHA1(addressNamespace, seed))
}

// CitizenAddress derives the address of participant's citizen record in pool.
func CitizenAddress(pool PoolID, participant ParticipantID) AccountID {
	seed := make([]byte, 0, len("citizen")+32)
	seed = append(seed, "citizen"...)
	seed = append(seed, pool[:]...)
	seed = append(seed, participant[:]...)
	return AccountID(uuid.NewSHA1(addressNamespace, seed))
}

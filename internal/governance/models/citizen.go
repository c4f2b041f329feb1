package models

import (
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"

	id "sortition/pkg/domain"
	dErrors "sortition/pkg/domain-errors"
)

// MaxNameLength bounds a citizen name in bytes.
const MaxNameLength = 32

// Demographic bounds. Values are category indices, exclusive upper bound.
const (
	RegionCount           = 8
	AgeGroupCount         = 5
	OtherDemographicCount = 4
)

// Profile is the caller-supplied demographic data for a new citizen.
type Profile struct {
	Name             string `json:"name" validate:"citizen_name"`
	Region           uint8  `json:"region" validate:"region"`
	AgeGroup         uint8  `json:"age_group" validate:"age_group"`
	OtherDemographic uint8  `json:"other_demographic" validate:"other_demographic"`
}

var profileValidator = newProfileValidator()

// profileRules binds each profile tag to its bound. The stock max rule counts
// runes; names are bounded in bytes.
var profileRules = map[string]validator.Func{
	"citizen_name": func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxNameLength
	},
	"region":            categoryBelow(RegionCount),
	"age_group":         categoryBelow(AgeGroupCount),
	"other_demographic": categoryBelow(OtherDemographicCount),
}

func categoryBelow(count uint64) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return fl.Field().Uint() < count
	}
}

func newProfileValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	for tag, rule := range profileRules {
		if err := v.RegisterValidation(tag, rule); err != nil {
			panic("register profile rule " + tag + ": " + err.Error())
		}
	}
	return v
}

// Validate maps validation failures onto InvalidInput (name) and
// InvalidDemographic (any category).
func (p Profile) Validate() error {
	err := profileValidator.Struct(p)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return dErrors.Wrap(err, dErrors.CodeInternal, "profile validation failed")
	}
	for _, fe := range fieldErrs {
		if fe.StructField() == "Name" {
			return dErrors.New(dErrors.CodeInvalidInput, "name must be at most "+strconv.Itoa(MaxNameLength)+" bytes")
		}
	}
	fe := fieldErrs[0]
	return dErrors.New(dErrors.CodeInvalidDemographic, fe.StructField()+" out of range")
}

// Citizen is a registered participant's profile within one pool. Identity
// fields are immutable; only IsEligible and LastParticipation change after
// registration.
type Citizen struct {
	Participant       id.ParticipantID `json:"participant"`
	Name              string           `json:"name"`
	GovernancePool    id.PoolID        `json:"governance_pool"`
	IsEligible        bool             `json:"is_eligible"`
	LastParticipation int64            `json:"last_participation"`
	Region            uint8            `json:"region"`
	AgeGroup          uint8            `json:"age_group"`
	OtherDemographic  uint8            `json:"other_demographic"`
	IsInitialized     bool             `json:"is_initialized"`
}

// NewCitizen builds a freshly registered citizen from a validated profile.
func NewCitizen(pool id.PoolID, participant id.ParticipantID, profile Profile) *Citizen {
	return &Citizen{
		Participant:       participant,
		Name:              profile.Name,
		GovernancePool:    pool,
		IsEligible:        true,
		LastParticipation: 0,
		Region:            profile.Region,
		AgeGroup:          profile.AgeGroup,
		OtherDemographic:  profile.OtherDemographic,
		IsInitialized:     true,
	}
}

// Address is the derived storage identity of the citizen record.
func (c *Citizen) Address() id.AccountID {
	return id.CitizenAddress(c.GovernancePool, c.Participant)
}

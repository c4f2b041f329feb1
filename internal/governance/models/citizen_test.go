package models

import (
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	dErrors "sortition/pkg/domain-errors"
)

func TestProfileTagsHaveRules(t *testing.T) {
	typ := reflect.TypeOf(Profile{})
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("validate")
		assert.NotEmpty(t, tag, "field %s has no validate tag", field.Name)
		assert.Contains(t, profileRules, tag, "field %s", field.Name)
	}
}

func TestProfileBoundsFollowConstants(t *testing.T) {
	cases := []struct {
		name  string
		limit func(p *Profile)
		over  func(p *Profile)
		code  dErrors.Code
	}{
		{
			name:  "name",
			limit: func(p *Profile) { p.Name = strings.Repeat("n", MaxNameLength) },
			over:  func(p *Profile) { p.Name = strings.Repeat("n", MaxNameLength+1) },
			code:  dErrors.CodeInvalidInput,
		},
		{
			name:  "region",
			limit: func(p *Profile) { p.Region = RegionCount - 1 },
			over:  func(p *Profile) { p.Region = RegionCount },
			code:  dErrors.CodeInvalidDemographic,
		},
		{
			name:  "age group",
			limit: func(p *Profile) { p.AgeGroup = AgeGroupCount - 1 },
			over:  func(p *Profile) { p.AgeGroup = AgeGroupCount },
			code:  dErrors.CodeInvalidDemographic,
		},
		{
			name:  "other demographic",
			limit: func(p *Profile) { p.OtherDemographic = OtherDemographicCount - 1 },
			over:  func(p *Profile) { p.OtherDemographic = OtherDemographicCount },
			code:  dErrors.CodeInvalidDemographic,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			accepted := Profile{Name: "Ada"}
			tc.limit(&accepted)
			assert.NoError(t, accepted.Validate())

			rejected := Profile{Name: "Ada"}
			tc.over(&rejected)
			err := rejected.Validate()
			assert.True(t, dErrors.HasCode(err, tc.code), "got %v", err)
		})
	}
}

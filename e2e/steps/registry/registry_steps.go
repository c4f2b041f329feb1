package registry

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"

	"sortition/internal/governance/models"
	id "sortition/pkg/domain"
	dErrors "sortition/pkg/domain-errors"
)

// TestContext is what the registry steps need from the scenario world.
type TestContext interface {
	CreatePool(name string) error
	CreateInvite(name, pool string, expiresInHours int) error
	SetBalance(participant, pool string, amount uint64) error
	Redeem(participant, invite, pool string, profile models.Profile) error
	FillPool(pool string, citizens int) error

	LastError() error
	Pool(name string) (*models.GovernancePool, error)
	Invite(name string) (*models.GovernanceInvite, error)
	Index(pool string, page uint32) (*models.CitizenIndex, error)
	Events(pool string) ([]models.CitizenAdded, error)
	ParticipantName(p id.ParticipantID) string
}

// RegisterSteps registers invite redemption steps.
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	s := &registrySteps{tc: tc}

	ctx.Step(`^a governance pool "([^"]*)"$`, s.aPool)
	ctx.Step(`^an invite "([^"]*)" for pool "([^"]*)" expiring in (\d+) hours$`, s.anInvite)
	ctx.Step(`^an invite "([^"]*)" for pool "([^"]*)" that expired (\d+) hours ago$`, s.anExpiredInvite)
	ctx.Step(`^participant "([^"]*)" holds (\d+) governance tokens in pool "([^"]*)"$`, s.holdsTokens)
	ctx.Step(`^pool "([^"]*)" already has (\d+) citizens$`, s.alreadyHasCitizens)
	ctx.Step(`^"([^"]*)" redeemed invite "([^"]*)" for pool "([^"]*)"$`, s.redeemed)
	ctx.Step(`^"([^"]*)" redeems invite "([^"]*)" for pool "([^"]*)" as "([^"]*)" with region (\d+), age group (\d+) and other demographic (\d+)$`, s.redeems)

	ctx.Step(`^the redemption succeeds$`, s.redemptionSucceeds)
	ctx.Step(`^the redemption fails with "([^"]*)"$`, s.redemptionFailsWith)
	ctx.Step(`^pool "([^"]*)" has (\d+) citizens and (\d+) filled index pages$`, s.poolHas)
	ctx.Step(`^index page (\d+) of pool "([^"]*)" is active with (\d+) citizens$`, s.indexIsActive)
	ctx.Step(`^index page (\d+) of pool "([^"]*)" is uninitialized$`, s.indexIsUninitialized)
	ctx.Step(`^invite "([^"]*)" is used by "([^"]*)"$`, s.inviteUsedBy)
	ctx.Step(`^invite "([^"]*)" is unused$`, s.inviteUnused)
	ctx.Step(`^a CitizenAdded event for "([^"]*)" in pool "([^"]*)" carries (\d+) tokens$`, s.eventCarries)
}

type registrySteps struct {
	tc TestContext
}

func (s *registrySteps) aPool(_ context.Context, name string) error {
	return s.tc.CreatePool(name)
}

func (s *registrySteps) anInvite(_ context.Context, name, pool string, hours int) error {
	return s.tc.CreateInvite(name, pool, hours)
}

func (s *registrySteps) anExpiredInvite(_ context.Context, name, pool string, hours int) error {
	return s.tc.CreateInvite(name, pool, -hours)
}

func (s *registrySteps) holdsTokens(_ context.Context, participant string, amount int, pool string) error {
	return s.tc.SetBalance(participant, pool, uint64(amount))
}

func (s *registrySteps) alreadyHasCitizens(_ context.Context, pool string, n int) error {
	return s.tc.FillPool(pool, n)
}

func (s *registrySteps) redeemed(_ context.Context, participant, invite, pool string) error {
	if err := s.tc.Redeem(participant, invite, pool, models.Profile{Name: participant}); err != nil {
		return err
	}
	return s.tc.LastError()
}

func (s *registrySteps) redeems(_ context.Context, participant, invite, pool, name string, region, age, other int) error {
	return s.tc.Redeem(participant, invite, pool, models.Profile{
		Name:             name,
		Region:           uint8(region),
		AgeGroup:         uint8(age),
		OtherDemographic: uint8(other),
	})
}

func (s *registrySteps) redemptionSucceeds(context.Context) error {
	if err := s.tc.LastError(); err != nil {
		return fmt.Errorf("expected redemption to succeed, got %w", err)
	}
	return nil
}

func (s *registrySteps) redemptionFailsWith(_ context.Context, code string) error {
	err := s.tc.LastError()
	if err == nil {
		return fmt.Errorf("expected redemption to fail with %s, it succeeded", code)
	}
	if got := string(dErrors.CodeOf(err)); got != code {
		return fmt.Errorf("expected error code %s, got %s (%v)", code, got, err)
	}
	return nil
}

func (s *registrySteps) poolHas(_ context.Context, name string, citizens, pages int) error {
	pool, err := s.tc.Pool(name)
	if err != nil {
		return err
	}
	if pool.TotalCitizens != uint32(citizens) || pool.TotalCitizenIndices != uint32(pages) {
		return fmt.Errorf("pool %s: expected %d citizens and %d filled pages, got %d and %d",
			name, citizens, pages, pool.TotalCitizens, pool.TotalCitizenIndices)
	}
	return nil
}

func (s *registrySteps) indexIsActive(_ context.Context, page int, pool string, citizens int) error {
	index, err := s.tc.Index(pool, uint32(page))
	if err != nil {
		return err
	}
	if !index.IsActive() {
		return fmt.Errorf("index page %d is %s", page, index.State)
	}
	if index.Count != uint32(citizens) || len(index.Citizens) != citizens {
		return fmt.Errorf("index page %d: expected %d citizens, got count %d with %d entries",
			page, citizens, index.Count, len(index.Citizens))
	}
	return nil
}

func (s *registrySteps) indexIsUninitialized(_ context.Context, page int, pool string) error {
	index, err := s.tc.Index(pool, uint32(page))
	if err != nil {
		return err
	}
	if index.IsActive() {
		return fmt.Errorf("index page %d is active with %d citizens", page, index.Count)
	}
	return nil
}

func (s *registrySteps) inviteUsedBy(_ context.Context, name, participant string) error {
	invite, err := s.tc.Invite(name)
	if err != nil {
		return err
	}
	if !invite.IsUsed || invite.UsedBy == nil {
		return fmt.Errorf("invite %s is unused", name)
	}
	if got := s.tc.ParticipantName(*invite.UsedBy); got != participant {
		return fmt.Errorf("invite %s used by %s, expected %s", name, got, participant)
	}
	return nil
}

func (s *registrySteps) inviteUnused(_ context.Context, name string) error {
	invite, err := s.tc.Invite(name)
	if err != nil {
		return err
	}
	if invite.IsUsed || invite.UsedBy != nil {
		return fmt.Errorf("invite %s was consumed", name)
	}
	return nil
}

func (s *registrySteps) eventCarries(_ context.Context, participant, pool string, amount int) error {
	events, err := s.tc.Events(pool)
	if err != nil {
		return err
	}
	for _, e := range events {
		if s.tc.ParticipantName(e.Citizen) == participant {
			if e.TokenAmount != uint64(amount) {
				return fmt.Errorf("event for %s carries %d tokens, expected %d", participant, e.TokenAmount, amount)
			}
			return nil
		}
	}
	return fmt.Errorf("no CitizenAdded event for %s in %d events", participant, len(events))
}

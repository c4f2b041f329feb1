package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cucumber/godog"

	"sortition/e2e/steps/registry"
	"sortition/internal/governance/balance"
	"sortition/internal/governance/models"
	"sortition/internal/governance/service"
	"sortition/internal/governance/store/memory"
	id "sortition/pkg/domain"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	registry.RegisterSteps(ctx, tc)
}

// scenarioNow is the fixed clock every scenario runs at.
var scenarioNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// TestContext is the per-scenario world: a fresh registry plus the friendly
// names the feature files use for pools, invites and participants.
type TestContext struct {
	ctx      context.Context
	store    *memory.InMemory
	balances *balance.InMemory
	svc      *service.Service

	pools        map[string]id.PoolID
	invites      map[string]id.InviteID
	participants map[string]id.ParticipantID
	names        map[id.ParticipantID]string

	lastErr error
}

func NewTestContext() *TestContext {
	tc := &TestContext{
		ctx:          context.Background(),
		store:        memory.New(),
		balances:     balance.NewInMemory(),
		pools:        map[string]id.PoolID{},
		invites:      map[string]id.InviteID{},
		participants: map[string]id.ParticipantID{},
		names:        map[id.ParticipantID]string{},
	}
	tc.svc = service.New(tc.store, tc.store, tc.balances,
		service.WithClock(func() time.Time { return scenarioNow }))
	return tc
}

func (tc *TestContext) participant(name string) id.ParticipantID {
	if p, ok := tc.participants[name]; ok {
		return p
	}
	p := id.NewParticipantID()
	tc.participants[name] = p
	tc.names[p] = name
	return p
}

func (tc *TestContext) pool(name string) (id.PoolID, error) {
	p, ok := tc.pools[name]
	if !ok {
		return id.PoolID{}, fmt.Errorf("unknown pool %q", name)
	}
	return p, nil
}

func (tc *TestContext) CreatePool(name string) error {
	poolID := id.NewPoolID()
	tc.pools[name] = poolID
	return tc.store.SavePool(tc.ctx, models.NewGovernancePool(poolID))
}

func (tc *TestContext) CreateInvite(name, pool string, expiresInHours int) error {
	poolID, err := tc.pool(pool)
	if err != nil {
		return err
	}
	inviteID := id.NewInviteID()
	tc.invites[name] = inviteID
	expiresAt := scenarioNow.Add(time.Duration(expiresInHours) * time.Hour)
	return tc.store.SaveInvite(tc.ctx, models.NewGovernanceInvite(inviteID, poolID, expiresAt))
}

func (tc *TestContext) SetBalance(participant, pool string, amount uint64) error {
	poolID, err := tc.pool(pool)
	if err != nil {
		return err
	}
	tc.balances.Set(poolID, tc.participant(participant), amount)
	return nil
}

// Redeem runs a redemption and records its outcome for later assertions.
// An invite name never created maps to a fresh id the store has not seen.
func (tc *TestContext) Redeem(participant, invite, pool string, profile models.Profile) error {
	poolID, err := tc.pool(pool)
	if err != nil {
		return err
	}
	inviteID, ok := tc.invites[invite]
	if !ok {
		inviteID = id.NewInviteID()
	}
	_, tc.lastErr = tc.svc.RedeemInvite(tc.ctx, service.RedeemRequest{
		Pool:        poolID,
		Invite:      inviteID,
		Participant: tc.participant(participant),
		Profile:     profile,
	})
	return nil
}

// FillPool registers n anonymous citizens through ordinary redemptions.
func (tc *TestContext) FillPool(pool string, n int) error {
	poolID, err := tc.pool(pool)
	if err != nil {
		return err
	}
	for i := range n {
		inviteID := id.NewInviteID()
		invite := models.NewGovernanceInvite(inviteID, poolID, scenarioNow.Add(time.Hour))
		if err := tc.store.SaveInvite(tc.ctx, invite); err != nil {
			return err
		}
		_, err := tc.svc.RedeemInvite(tc.ctx, service.RedeemRequest{
			Pool:        poolID,
			Invite:      inviteID,
			Participant: id.NewParticipantID(),
			Profile:     models.Profile{Name: fmt.Sprintf("filler-%d", i)},
		})
		if err != nil {
			return fmt.Errorf("fill citizen %d: %w", i, err)
		}
	}
	return nil
}

func (tc *TestContext) LastError() error {
	return tc.lastErr
}

func (tc *TestContext) Pool(name string) (*models.GovernancePool, error) {
	poolID, err := tc.pool(name)
	if err != nil {
		return nil, err
	}
	return tc.svc.GetPool(tc.ctx, poolID)
}

func (tc *TestContext) Invite(name string) (*models.GovernanceInvite, error) {
	inviteID, ok := tc.invites[name]
	if !ok {
		return nil, fmt.Errorf("unknown invite %q", name)
	}
	return tc.svc.GetInvite(tc.ctx, inviteID)
}

func (tc *TestContext) Index(pool string, page uint32) (*models.CitizenIndex, error) {
	poolID, err := tc.pool(pool)
	if err != nil {
		return nil, err
	}
	return tc.svc.GetCitizenIndex(tc.ctx, poolID, page)
}

// Events decodes every pending outbox entry for pool.
func (tc *TestContext) Events(pool string) ([]models.CitizenAdded, error) {
	poolID, err := tc.pool(pool)
	if err != nil {
		return nil, err
	}
	entries, err := tc.store.PendingEvents(tc.ctx, 1000)
	if err != nil {
		return nil, err
	}
	var events []models.CitizenAdded
	for _, entry := range entries {
		if entry.Key != poolID.String() {
			continue
		}
		var event models.CitizenAdded
		if err := json.Unmarshal(entry.Payload, &event); err != nil {
			return nil, fmt.Errorf("decode outbox entry %s: %w", entry.ID, err)
		}
		events = append(events, event)
	}
	return events, nil
}

func (tc *TestContext) ParticipantName(p id.ParticipantID) string {
	if name, ok := tc.names[p]; ok {
		return name
	}
	return p.String()
}

package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"

	"sortition/internal/governance/balance"
	"sortition/internal/governance/models"
	"sortition/internal/governance/ports/mocks"
	"sortition/internal/governance/store/memory"
	"sortition/internal/platform/metrics"
	id "sortition/pkg/domain"
	dErrors "sortition/pkg/domain-errors"
	"sortition/pkg/platform/sentinel"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type ServiceSuite struct {
	suite.Suite
	ctrl         *gomock.Controller
	store        *memory.InMemory
	mockBalances *mocks.MockBalanceReader
	mockNotifier *mocks.MockNotifier
	metrics      *metrics.Metrics
	spans        *tracetest.SpanRecorder
	service      *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = memory.New()
	s.mockBalances = mocks.NewMockBalanceReader(s.ctrl)
	s.mockNotifier = mocks.NewMockNotifier(s.ctrl)
	s.metrics = metrics.NewWithRegistry(prometheus.NewRegistry())
	s.spans = tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(s.spans))

	s.service = New(s.store, s.store, s.mockBalances,
		WithNotifier(s.mockNotifier),
		WithMetrics(s.metrics),
		WithTracer(tp.Tracer(tracerName)),
		WithClock(func() time.Time { return testNow }),
	)
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ServiceSuite) givenPool() *models.GovernancePool {
	pool := models.NewGovernancePool(id.NewPoolID())
	s.Require().NoError(s.store.SavePool(context.Background(), pool))
	return pool
}

func (s *ServiceSuite) givenInvite(poolID id.PoolID, expiresAt time.Time) *models.GovernanceInvite {
	invite := models.NewGovernanceInvite(id.NewInviteID(), poolID, expiresAt)
	s.Require().NoError(s.store.SaveInvite(context.Background(), invite))
	return invite
}

func (s *ServiceSuite) request(pool *models.GovernancePool, invite *models.GovernanceInvite) RedeemRequest {
	return RedeemRequest{
		Pool:        pool.ID,
		Invite:      invite.ID,
		Participant: id.NewParticipantID(),
		Profile:     models.Profile{Name: "Ada Lovelace", Region: 2, AgeGroup: 3, OtherDemographic: 1},
	}
}

func (s *ServiceSuite) expectBalance(amount uint64) {
	s.mockBalances.EXPECT().BalanceOf(gomock.Any(), gomock.Any(), gomock.Any()).Return(amount, nil).AnyTimes()
}

func (s *ServiceSuite) expectNotify() {
	s.mockNotifier.EXPECT().CitizenAdded(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
}

// assertUnchanged checks that a failed redemption left pool and invite as
// they were.
func (s *ServiceSuite) assertUnchanged(pool *models.GovernancePool, invite *models.GovernanceInvite) {
	ctx := context.Background()
	storedPool, err := s.store.FindPool(ctx, pool.ID)
	s.Require().NoError(err)
	s.Equal(*pool, *storedPool)
	storedInvite, err := s.store.FindInvite(ctx, invite.ID)
	s.Require().NoError(err)
	s.Equal(invite.IsUsed, storedInvite.IsUsed)
	pending, err := s.store.PendingEvents(ctx, 1000)
	s.Require().NoError(err)
	for _, entry := range pending {
		s.NotEqual(pool.ID.String(), entry.Key, "no event for a failed redemption")
	}
}

func (s *ServiceSuite) TestRedeemInvite_FirstCitizen() {
	ctx := context.Background()
	pool := s.givenPool()
	invite := s.givenInvite(pool.ID, testNow.Add(time.Hour))
	req := s.request(pool, invite)

	s.mockBalances.EXPECT().BalanceOf(gomock.Any(), pool.ID, req.Participant).Return(uint64(1500), nil)
	s.mockNotifier.EXPECT().CitizenAdded(gomock.Any(), models.CitizenAdded{
		GovernancePool: pool.ID,
		Citizen:        req.Participant,
		TokenAmount:    1500,
		OccurredAt:     testNow,
	}).Return(nil)

	result, err := s.service.RedeemInvite(ctx, req)
	s.Require().NoError(err)

	s.Run("creates an eligible citizen", func() {
		citizen, err := s.service.GetCitizen(ctx, pool.ID, req.Participant)
		s.Require().NoError(err)
		s.Equal("Ada Lovelace", citizen.Name)
		s.True(citizen.IsEligible)
		s.True(citizen.IsInitialized)
		s.Zero(citizen.LastParticipation)
		s.Equal(uint8(2), citizen.Region)
		s.Equal(uint8(3), citizen.AgeGroup)
		s.Equal(uint8(1), citizen.OtherDemographic)
		s.Equal(*result.Citizen, *citizen)
	})

	s.Run("lazily initializes page zero", func() {
		index, err := s.service.GetCitizenIndex(ctx, pool.ID, 0)
		s.Require().NoError(err)
		s.True(index.IsActive())
		s.Equal(pool.ID, index.GovernancePool)
		s.Equal([]id.ParticipantID{req.Participant}, index.Citizens)
		s.Equal(uint32(1), index.Count)
	})

	s.Run("bumps only the citizen counter", func() {
		stored, err := s.service.GetPool(ctx, pool.ID)
		s.Require().NoError(err)
		s.Equal(uint32(1), stored.TotalCitizens)
		s.Zero(stored.TotalCitizenIndices)
	})

	s.Run("consumes the invite", func() {
		stored, err := s.service.GetInvite(ctx, invite.ID)
		s.Require().NoError(err)
		s.True(stored.IsUsed)
		s.Require().NotNil(stored.UsedBy)
		s.Equal(req.Participant, *stored.UsedBy)
	})

	s.Run("writes the event to the outbox", func() {
		pending, err := s.store.PendingEvents(ctx, 10)
		s.Require().NoError(err)
		s.Require().Len(pending, 1)
		s.Equal(models.EventCitizenAdded, pending[0].EventType)
		s.Equal(pool.ID.String(), pending[0].Key)
		s.Contains(string(pending[0].Payload), `"token_amount":1500`)
	})

	s.Run("records an ok outcome", func() {
		s.Equal(float64(1), promtestutil.ToFloat64(s.metrics.Redemptions.WithLabelValues("ok")))
		s.Equal(float64(1), promtestutil.ToFloat64(s.metrics.CitizensRegistered))
		s.Zero(promtestutil.ToFloat64(s.metrics.IndexPagesFilled))
	})

	s.Run("records a span", func() {
		ended := s.spans.Ended()
		s.Require().Len(ended, 1)
		s.Equal("governance.redeem_invite", ended[0].Name())
		s.NotEqual(codes.Error, ended[0].Status().Code)
	})
}

func (s *ServiceSuite) TestRedeemInvite_RequestValidation() {
	ctx := context.Background()
	pool := s.givenPool()
	invite := s.givenInvite(pool.ID, testNow.Add(time.Hour))

	cases := []struct {
		name   string
		mutate func(r *RedeemRequest)
		code   dErrors.Code
	}{
		{"missing pool", func(r *RedeemRequest) { r.Pool = id.PoolID{} }, dErrors.CodeInvalidInput},
		{"missing invite", func(r *RedeemRequest) { r.Invite = id.InviteID{} }, dErrors.CodeInvalidInput},
		{"missing participant", func(r *RedeemRequest) { r.Participant = id.ParticipantID{} }, dErrors.CodeInvalidInput},
		{"name over 32 bytes", func(r *RedeemRequest) { r.Profile.Name = strings.Repeat("x", 33) }, dErrors.CodeInvalidInput},
		{"region out of range", func(r *RedeemRequest) { r.Profile.Region = 8 }, dErrors.CodeInvalidDemographic},
		{"age group out of range", func(r *RedeemRequest) { r.Profile.AgeGroup = 5 }, dErrors.CodeInvalidDemographic},
		{"other demographic out of range", func(r *RedeemRequest) { r.Profile.OtherDemographic = 4 }, dErrors.CodeInvalidDemographic},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			req := s.request(pool, invite)
			tc.mutate(&req)

			// No balance expectation: validation fails before any read.
			_, err := s.service.RedeemInvite(ctx, req)
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, tc.code), "got %v", err)
			s.assertUnchanged(pool, invite)
		})
	}

	s.Run("name of exactly 32 bytes is accepted", func() {
		s.expectBalance(0)
		s.expectNotify()
		req := s.request(pool, invite)
		req.Profile.Name = strings.Repeat("x", 32)

		_, err := s.service.RedeemInvite(ctx, req)
		s.NoError(err)
	})
}

func (s *ServiceSuite) TestRedeemInvite_InviteValidation() {
	ctx := context.Background()

	s.Run("unknown pool is not found", func() {
		s.expectBalance(0)
		pool := models.NewGovernancePool(id.NewPoolID())
		invite := s.givenInvite(pool.ID, testNow.Add(time.Hour))

		_, err := s.service.RedeemInvite(ctx, s.request(pool, invite))
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound), "got %v", err)
	})

	s.Run("unknown invite is invalid", func() {
		s.expectBalance(0)
		pool := s.givenPool()
		invite := models.NewGovernanceInvite(id.NewInviteID(), pool.ID, testNow.Add(time.Hour))

		_, err := s.service.RedeemInvite(ctx, s.request(pool, invite))
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInvite), "got %v", err)
	})

	s.Run("invite from another pool is invalid", func() {
		s.expectBalance(0)
		pool := s.givenPool()
		other := s.givenPool()
		invite := s.givenInvite(other.ID, testNow.Add(time.Hour))

		_, err := s.service.RedeemInvite(ctx, s.request(pool, invite))
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInvite), "got %v", err)
		s.assertUnchanged(pool, invite)
	})

	s.Run("used invite is rejected", func() {
		s.expectBalance(0)
		s.expectNotify()
		pool := s.givenPool()
		invite := s.givenInvite(pool.ID, testNow.Add(time.Hour))
		_, err := s.service.RedeemInvite(ctx, s.request(pool, invite))
		s.Require().NoError(err)

		_, err = s.service.RedeemInvite(ctx, s.request(pool, invite))
		s.True(dErrors.HasCode(err, dErrors.CodeInviteAlreadyUsed), "got %v", err)

		stored, err := s.service.GetPool(ctx, pool.ID)
		s.Require().NoError(err)
		s.Equal(uint32(1), stored.TotalCitizens)
	})

	s.Run("expired invite is rejected", func() {
		s.expectBalance(0)
		pool := s.givenPool()
		invite := s.givenInvite(pool.ID, testNow.Add(-time.Nanosecond))

		_, err := s.service.RedeemInvite(ctx, s.request(pool, invite))
		s.True(dErrors.HasCode(err, dErrors.CodeInviteExpired), "got %v", err)
		s.assertUnchanged(pool, invite)
	})

	s.Run("invite expiring exactly now is accepted", func() {
		s.expectBalance(0)
		s.expectNotify()
		pool := s.givenPool()
		invite := s.givenInvite(pool.ID, testNow)

		_, err := s.service.RedeemInvite(ctx, s.request(pool, invite))
		s.NoError(err)
	})
}

func (s *ServiceSuite) TestRedeemInvite_ExistingCitizen() {
	ctx := context.Background()
	s.expectBalance(0)
	s.expectNotify()
	pool := s.givenPool()
	first := s.givenInvite(pool.ID, testNow.Add(time.Hour))
	second := s.givenInvite(pool.ID, testNow.Add(time.Hour))

	req := s.request(pool, first)
	_, err := s.service.RedeemInvite(ctx, req)
	s.Require().NoError(err)
	afterFirst, err := s.store.FindPool(ctx, pool.ID)
	s.Require().NoError(err)

	req.Invite = second.ID
	_, err = s.service.RedeemInvite(ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeCitizenExists), "got %v", err)
	s.ErrorIs(err, sentinel.ErrAlreadyUsed)

	stored, err := s.store.FindPool(ctx, pool.ID)
	s.Require().NoError(err)
	s.Equal(*afterFirst, *stored)
	storedInvite, err := s.store.FindInvite(ctx, second.ID)
	s.Require().NoError(err)
	s.False(storedInvite.IsUsed, "rolled back invite stays redeemable")
}

func (s *ServiceSuite) TestRedeemInvite_PageBoundary() {
	ctx := context.Background()
	s.expectBalance(0)
	s.expectNotify()
	pool := s.givenPool()

	// Fill page 0 up to one short of capacity.
	page := models.NewUninitializedIndex(0)
	page.ApplyInitialize(pool.ID)
	for range models.CitizensPerIndex - 1 {
		page.ApplyAppend(id.NewParticipantID())
		pool.ApplyCitizenRecorded()
	}
	s.Require().NoError(s.store.SaveCitizenIndex(ctx, pool.ID, page))
	s.Require().NoError(s.store.SavePool(ctx, pool))

	s.Run("the hundredth citizen fills page zero", func() {
		result, err := s.service.RedeemInvite(ctx, s.request(pool, s.givenInvite(pool.ID, testNow)))
		s.Require().NoError(err)
		s.Equal(uint32(0), result.Index.Page)
		s.True(result.Index.IsFull())
		s.Equal(uint32(100), result.Pool.TotalCitizens)
		s.Equal(uint32(1), result.Pool.TotalCitizenIndices)
		s.Equal(float64(1), promtestutil.ToFloat64(s.metrics.IndexPagesFilled))
	})

	s.Run("the next citizen opens page one", func() {
		result, err := s.service.RedeemInvite(ctx, s.request(pool, s.givenInvite(pool.ID, testNow)))
		s.Require().NoError(err)
		s.Equal(uint32(1), result.Index.Page)
		s.Equal(uint32(1), result.Index.Count)
		s.Equal(uint32(101), result.Pool.TotalCitizens)
		s.Equal(uint32(1), result.Pool.TotalCitizenIndices, "page counter moves only when a page fills")

		index, err := s.service.GetCitizenIndex(ctx, pool.ID, 1)
		s.Require().NoError(err)
		s.True(index.IsActive())
	})

	s.Run("listing fails on index entries without citizen records", func() {
		citizens, err := s.service.ListCitizens(ctx, pool.ID)
		// Seeded participants on page 0 have no citizen records.
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
		s.Nil(citizens)
	})
}

func (s *ServiceSuite) TestRedeemInvite_Collaborators() {
	ctx := context.Background()

	s.Run("balance failure aborts before the transaction", func() {
		pool := s.givenPool()
		invite := s.givenInvite(pool.ID, testNow.Add(time.Hour))
		s.mockBalances.EXPECT().BalanceOf(gomock.Any(), pool.ID, gomock.Any()).Return(uint64(0), errors.New("ledger down"))

		_, err := s.service.RedeemInvite(ctx, s.request(pool, invite))
		s.True(dErrors.HasCode(err, dErrors.CodeInternal), "got %v", err)
		s.assertUnchanged(pool, invite)
	})

	s.Run("notifier failure does not undo the redemption", func() {
		pool := s.givenPool()
		invite := s.givenInvite(pool.ID, testNow.Add(time.Hour))
		s.mockBalances.EXPECT().BalanceOf(gomock.Any(), pool.ID, gomock.Any()).Return(uint64(7), nil)
		s.mockNotifier.EXPECT().CitizenAdded(gomock.Any(), gomock.Any()).Return(errors.New("indexer offline"))

		result, err := s.service.RedeemInvite(ctx, s.request(pool, invite))
		s.Require().NoError(err)
		s.Equal(uint64(7), result.Event.TokenAmount)
		s.Equal(float64(1), promtestutil.ToFloat64(s.metrics.NotifierFailures))
	})

	s.Run("failed redemptions are counted by code", func() {
		s.Positive(promtestutil.ToFloat64(s.metrics.Redemptions.WithLabelValues(string(dErrors.CodeInternal))))
		var failed bool
		for _, span := range s.spans.Ended() {
			if span.Status().Code == codes.Error {
				failed = true
			}
		}
		s.True(failed)
	})
}

func (s *ServiceSuite) TestListCitizens() {
	ctx := context.Background()
	s.expectBalance(0)
	s.expectNotify()
	pool := s.givenPool()

	const total = models.CitizensPerIndex + 5
	var want []id.ParticipantID
	for range total {
		req := s.request(pool, s.givenInvite(pool.ID, testNow))
		want = append(want, req.Participant)
		_, err := s.service.RedeemInvite(ctx, req)
		s.Require().NoError(err)
	}

	citizens, err := s.service.ListCitizens(ctx, pool.ID)
	s.Require().NoError(err)
	s.Require().Len(citizens, total)
	for i, citizen := range citizens {
		s.Equal(want[i], citizen.Participant)
	}

	_, err = s.service.ListCitizens(ctx, id.NewPoolID())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

// TestConcurrentRedemptionOfOneInvite races many participants for a single
// invite; exactly one may win.
func TestConcurrentRedemptionOfOneInvite(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := New(store, store, balance.NewInMemory(), WithClock(func() time.Time { return testNow }))

	pool := models.NewGovernancePool(id.NewPoolID())
	invite := models.NewGovernanceInvite(id.NewInviteID(), pool.ID, testNow.Add(time.Hour))
	if err := store.SavePool(ctx, pool); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveInvite(ctx, invite); err != nil {
		t.Fatal(err)
	}

	const goroutines = 50
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RedeemInvite(ctx, RedeemRequest{
				Pool:        pool.ID,
				Invite:      invite.ID,
				Participant: id.NewParticipantID(),
				Profile:     models.Profile{Name: "racer"},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, used int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case dErrors.HasCode(err, dErrors.CodeInviteAlreadyUsed):
			used++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || used != goroutines-1 {
		t.Fatalf("want 1 success and %d already-used, got %d and %d", goroutines-1, ok, used)
	}

	stored, err := store.FindPool(ctx, pool.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.TotalCitizens != 1 {
		t.Fatalf("want 1 citizen, got %d", stored.TotalCitizens)
	}
}

// TestConcurrentRedemptionsAcrossPageBoundary checks that concurrent
// redemptions never overfill a page or lose a counter update.
func TestConcurrentRedemptionsAcrossPageBoundary(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := New(store, store, balance.NewInMemory(), WithClock(func() time.Time { return testNow }))

	pool := models.NewGovernancePool(id.NewPoolID())
	if err := store.SavePool(ctx, pool); err != nil {
		t.Fatal(err)
	}

	const total = 2*models.CitizensPerIndex + 17
	invites := make([]id.InviteID, total)
	for i := range invites {
		invite := models.NewGovernanceInvite(id.NewInviteID(), pool.ID, testNow)
		if err := store.SaveInvite(ctx, invite); err != nil {
			t.Fatal(err)
		}
		invites[i] = invite.ID
	}

	var wg sync.WaitGroup
	for _, inviteID := range invites {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RedeemInvite(ctx, RedeemRequest{
				Pool:        pool.ID,
				Invite:      inviteID,
				Participant: id.NewParticipantID(),
				Profile:     models.Profile{Name: "crowd"},
			})
			if err != nil {
				t.Errorf("redeem: %v", err)
			}
		}()
	}
	wg.Wait()

	stored, err := store.FindPool(ctx, pool.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.TotalCitizens != total {
		t.Fatalf("want %d citizens, got %d", total, stored.TotalCitizens)
	}
	if stored.TotalCitizenIndices != total/models.CitizensPerIndex {
		t.Fatalf("want %d filled pages, got %d", total/models.CitizensPerIndex, stored.TotalCitizenIndices)
	}
	var seen uint32
	for page := uint32(0); page <= stored.ActivePage(); page++ {
		index, err := store.FindCitizenIndex(ctx, pool.ID, page)
		if err != nil {
			t.Fatal(err)
		}
		if index.Count > models.CitizensPerIndex || int(index.Count) != len(index.Citizens) {
			t.Fatalf("page %d inconsistent: count %d, len %d", page, index.Count, len(index.Citizens))
		}
		seen += index.Count
	}
	if seen != total {
		t.Fatalf("index pages hold %d citizens, want %d", seen, total)
	}
}

func TestTranslate(t *testing.T) {
	cases := []struct {
		err  error
		code dErrors.Code
	}{
		{sentinel.ErrConflict, dErrors.CodeConflict},
		{sentinel.ErrNotFound, dErrors.CodeNotFound},
		{sentinel.ErrAlreadyUsed, dErrors.CodeCitizenExists},
		{context.DeadlineExceeded, dErrors.CodeTimeout},
		{errors.New("disk on fire"), dErrors.CodeInternal},
		{dErrors.New(dErrors.CodeCitizenIndexFull, "full"), dErrors.CodeCitizenIndexFull},
	}
	for _, tc := range cases {
		if got := dErrors.CodeOf(translate(tc.err)); got != tc.code {
			t.Errorf("translate(%v) = %s, want %s", tc.err, got, tc.code)
		}
	}
}

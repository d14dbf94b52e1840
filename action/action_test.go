package action

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zllovesuki/recur/auth"
	"github.com/zllovesuki/recur/billing"
	"github.com/zllovesuki/recur/cache"
	"github.com/zllovesuki/recur/db"
	"github.com/zllovesuki/recur/gateway"
	"github.com/zllovesuki/recur/gateway/gatewaytest"
	"github.com/zllovesuki/recur/subscription"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type memoryCache struct {
	mu     sync.Mutex
	states map[string]cache.State
	sets   int
}

func (c *memoryCache) Get(ctx context.Context, id string) (*cache.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.states[id]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (c *memoryCache) Set(ctx context.Context, sub *subscription.Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[sub.ID] = cache.StateOf(sub)
	c.sets++
	return nil
}

type ActionTestSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	subs    *subscription.Manager
	fake    *gatewaytest.Fake
	cache   *memoryCache
	auth    *auth.Auth
	service *Service
}

func TestActionTestSuite(t *testing.T) {
	suite.Run(t, new(ActionTestSuite))
}

func (s *ActionTestSuite) SetupTest() {
	logger := zap.NewNop()
	gormDB, err := db.NewMemory(logger, uuid.New().String())
	s.Require().NoError(err)

	s.ctx = context.Background()
	s.now = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		return s.now
	}

	s.subs, err = subscription.NewManager(subscription.ManagerOptions{
		DB:     gormDB,
		Logger: logger,
		Clock:  clock,
	})
	s.Require().NoError(err)
	// sqlite has no configurable isolation
	s.subs.TxOptions = nil

	s.auth, err = auth.New(auth.Options{
		Logger:        logger,
		JWTSigningKey: "action-test-signing-key",
	})
	s.Require().NoError(err)

	s.fake = gatewaytest.New()
	s.cache = &memoryCache{states: make(map[string]cache.State)}
	s.service, err = NewService(Options{
		Logger:        logger,
		Subscriptions: s.subs,
		Gateways: gateway.Clients{
			gateway.ModeTest: s.fake,
		},
		Auth:  s.auth,
		Cache: s.cache,
		Clock: clock,
	})
	s.Require().NoError(err)
}

func (s *ActionTestSuite) insert(mutate ...func(*subscription.Subscription)) *subscription.Subscription {
	started := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := &subscription.Subscription{
		FirstOrderID:       uuid.New().String(),
		CustomerID:         "customer-1",
		RemotePriceID:      "price_1",
		Period:             billing.PeriodMonth,
		Frequency:          1,
		RecurringAmount:    decimal.RequireFromString("20"),
		CurrencyCode:       "EUR",
		StartedAt:          &started,
		PaymentGatewayMode: gateway.ModeTest,
		Source:             subscription.SourceCheckout,
	}
	for _, fn := range mutate {
		fn(sub)
	}
	s.Require().NoError(s.subs.Insert(s.ctx, sub))
	return sub
}

// active returns an active subscription backed by the remote object transactionID
func (s *ActionTestSuite) active(transactionID string, mutate ...func(*subscription.Subscription)) *subscription.Subscription {
	sub := s.insert(mutate...)
	_, err := s.subs.SetTransactionID(s.ctx, sub.ID, transactionID)
	s.Require().NoError(err)
	activated, err := s.subs.Activate(s.ctx, sub.ID)
	s.Require().NoError(err)
	return activated
}

func (s *ActionTestSuite) get(id string) *subscription.Subscription {
	sub, err := s.subs.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Require().NotNil(sub)
	return sub
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *ActionTestSuite) TestNewServiceValidatesOptions() {
	_, err := NewService(Options{Logger: zap.NewNop()})
	s.Error(err)
}

func (s *ActionTestSuite) TestCancelImmediately() {
	sub := s.active("sub_1")

	canceled, err := s.service.Cancel(s.ctx, sub.ID, CancelOptions{})
	s.Require().NoError(err)
	s.Equal(subscription.StatusCanceled, canceled.Status)
	s.Nil(canceled.NextBillingAt)

	calls := s.fake.Calls("cancel")
	s.Require().Len(calls, 1)
	s.Equal("sub_1", calls[0].Target)
	s.Equal("subscription", calls[0].Args)

	_, err = s.service.Cancel(s.ctx, sub.ID, CancelOptions{})
	s.ErrorIs(err, subscription.ErrInvalidTransition)
	s.Len(s.fake.Calls("cancel"), 1)
}

func (s *ActionTestSuite) TestCancelUsesScheduleFlavor() {
	total := 6
	sub := s.active("sub_sched_1", func(sub *subscription.Subscription) {
		sub.IsScheduleType = true
		sub.BillingTotal = &total
	})

	_, err := s.service.Cancel(s.ctx, sub.ID, CancelOptions{})
	s.Require().NoError(err)
	calls := s.fake.Calls("cancel")
	s.Require().Len(calls, 1)
	s.Equal("sub_sched_1", calls[0].Target)
	s.Equal("schedule", calls[0].Args)
}

func (s *ActionTestSuite) TestCancelAtPeriodEndKeepsAccess() {
	sub := s.active("sub_2")
	s.fake.Subscriptions["sub_2"] = &gateway.Subscription{
		ID:               "sub_2",
		Status:           gateway.SubscriptionStatusActive,
		CurrentPeriodEnd: date(2024, 2, 1).Unix(),
	}

	scheduled, err := s.service.Cancel(s.ctx, sub.ID, CancelOptions{AtPeriodEnd: true})
	s.Require().NoError(err)
	s.Equal(subscription.StatusActive, scheduled.Status)
	s.Equal(subscription.StatusPendingCancellation, scheduled.EffectiveState())
	s.Require().NotNil(scheduled.ExpiresAt)
	s.Equal(date(2024, 2, 1), *scheduled.ExpiresAt)
	s.NotNil(scheduled.CanceledAt)
	s.Len(s.fake.Calls("cancel_at_period_end"), 1)
	s.Empty(s.fake.Calls("cancel"))
}

func (s *ActionTestSuite) TestCancelAtPeriodEndFallsBackToNextBillingDate() {
	sub := s.active("sub_3")

	scheduled, err := s.service.Cancel(s.ctx, sub.ID, CancelOptions{AtPeriodEnd: true})
	s.Require().NoError(err)
	s.Require().NotNil(scheduled.ExpiresAt)
	s.Equal(*sub.NextBillingAt, *scheduled.ExpiresAt)
}

func (s *ActionTestSuite) TestRemoteFailureLeavesLocalStateUntouched() {
	sub := s.active("sub_4")
	s.fake.Fail("cancel", gatewaytest.Declined("cancel subscription"))

	_, err := s.service.Cancel(s.ctx, sub.ID, CancelOptions{})
	s.Require().Error(err)
	var gErr *gateway.Error
	s.Require().True(errors.As(err, &gErr))
	s.Equal("The payment method was declined", gErr.Summary())
	s.Equal(subscription.StatusActive, s.get(sub.ID).Status)

	s.fake.Fail("cancel_at_period_end", gatewaytest.Declined("cancel subscription"))
	_, err = s.service.Cancel(s.ctx, sub.ID, CancelOptions{AtPeriodEnd: true})
	s.Require().Error(err)
	s.Nil(s.get(sub.ID).ExpiresAt)
}

func (s *ActionTestSuite) TestCancelRemoteAlreadyGone() {
	sub := s.active("sub_5")
	s.fake.Fail("cancel", gatewaytest.Missing("cancel subscription"))

	canceled, err := s.service.Cancel(s.ctx, sub.ID, CancelOptions{})
	s.Require().NoError(err)
	s.Equal(subscription.StatusCanceled, canceled.Status)
}

func (s *ActionTestSuite) TestLocalOnlySubscriptionSkipsGateway() {
	sub := s.insert(func(sub *subscription.Subscription) {
		sub.Status = subscription.StatusActive
		sub.Source = subscription.SourceManual
	})

	resumesAt := date(2024, 3, 1)
	paused, err := s.service.Pause(s.ctx, sub.ID, PauseOptions{ResumesAt: &resumesAt})
	s.Require().NoError(err)
	s.Equal(subscription.StatusPaused, paused.Status)

	canceled, err := s.service.Cancel(s.ctx, sub.ID, CancelOptions{})
	s.Require().NoError(err)
	s.Equal(subscription.StatusCanceled, canceled.Status)
	s.Empty(s.fake.Calls(""))
}

func (s *ActionTestSuite) TestPauseRequiresFutureResumeDate() {
	sub := s.active("sub_6")

	_, err := s.service.Pause(s.ctx, sub.ID, PauseOptions{})
	s.ErrorIs(err, subscription.ErrResumeDateRequired)

	past := date(2023, 12, 1)
	_, err = s.service.Pause(s.ctx, sub.ID, PauseOptions{ResumesAt: &past})
	s.ErrorIs(err, subscription.ErrValidation)

	s.Empty(s.fake.Calls("pause"))
	s.Equal(subscription.StatusActive, s.get(sub.ID).Status)
}

func (s *ActionTestSuite) TestPauseRejectsInstallmentPlans() {
	total := 3
	sub := s.active("sub_7", func(sub *subscription.Subscription) {
		sub.BillingTotal = &total
	})

	resumesAt := date(2024, 3, 1)
	_, err := s.service.Pause(s.ctx, sub.ID, PauseOptions{ResumesAt: &resumesAt})
	s.ErrorIs(err, subscription.ErrInvalidTransition)
	s.Empty(s.fake.Calls("pause"))
}

func (s *ActionTestSuite) TestPauseThenResume() {
	sub := s.active("sub_8")
	resumesAt := date(2024, 3, 1)

	paused, err := s.service.Pause(s.ctx, sub.ID, PauseOptions{ResumesAt: &resumesAt})
	s.Require().NoError(err)
	s.Equal(subscription.StatusPaused, paused.Status)
	s.Require().NotNil(paused.ResumesAt)
	s.Equal(resumesAt, *paused.ResumesAt)

	calls := s.fake.Calls("pause")
	s.Require().Len(calls, 1)
	s.Equal(resumesAt, calls[0].Args)

	_, err = s.service.Pause(s.ctx, sub.ID, PauseOptions{ResumesAt: &resumesAt})
	s.ErrorIs(err, subscription.ErrInvalidTransition)

	s.now = date(2024, 1, 20)
	resumed, err := s.service.Resume(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.Equal(subscription.StatusActive, resumed.Status)
	s.Nil(resumed.ResumesAt)
	s.Equal(date(2024, 2, 1), *resumed.NextBillingAt)
	s.Len(s.fake.Calls("resume"), 1)

	_, err = s.service.Resume(s.ctx, sub.ID)
	s.ErrorIs(err, subscription.ErrInvalidTransition)
	s.Len(s.fake.Calls("resume"), 1)
}

func (s *ActionTestSuite) TestPauseAtPeriodEnd() {
	sub := s.active("sub_9")
	resumesAt := date(2024, 4, 1)

	scheduled, err := s.service.Pause(s.ctx, sub.ID, PauseOptions{ResumesAt: &resumesAt, AtPeriodEnd: true})
	s.Require().NoError(err)
	s.Equal(subscription.StatusActive, scheduled.Status)
	s.True(scheduled.PauseAtPeriodEnd)
	s.True(scheduled.IsBillableAt(date(2024, 1, 31)))
	s.Len(s.fake.Calls("pause"), 1)

	// withdrawing the scheduled pause
	withdrawn, err := s.service.Resume(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.False(withdrawn.PauseAtPeriodEnd)
	s.Nil(withdrawn.ResumesAt)
	s.Equal(subscription.StatusActive, withdrawn.Status)
}

func (s *ActionTestSuite) TestResumeRemoteFailure() {
	sub := s.active("sub_10")
	resumesAt := date(2024, 3, 1)
	_, err := s.service.Pause(s.ctx, sub.ID, PauseOptions{ResumesAt: &resumesAt})
	s.Require().NoError(err)

	s.fake.Fail("resume", gatewaytest.Missing("resume subscription"))
	_, err = s.service.Resume(s.ctx, sub.ID)
	s.Require().Error(err)
	s.True(gateway.IsResourceMissing(err))
	s.Equal(subscription.StatusPaused, s.get(sub.ID).Status)
}

func (s *ActionTestSuite) TestUpdatePaymentMethod() {
	sub := s.active("sub_11")

	updated, err := s.service.UpdatePaymentMethod(s.ctx, sub.ID, "pm_new")
	s.Require().NoError(err)
	s.Equal("pm_new", updated.PendingPaymentMethodID)
	calls := s.fake.Calls("update_payment_method")
	s.Require().Len(calls, 1)
	s.Equal("pm_new", calls[0].Args)

	_, err = s.service.UpdatePaymentMethod(s.ctx, sub.ID, "")
	s.ErrorIs(err, subscription.ErrValidation)

	pending := s.insert()
	_, err = s.service.UpdatePaymentMethod(s.ctx, pending.ID, "pm_new")
	s.ErrorIs(err, subscription.ErrInvalidTransition)
	s.Len(s.fake.Calls("update_payment_method"), 1)
}

func (s *ActionTestSuite) TestUnknownSubscription() {
	_, err := s.service.Cancel(s.ctx, "missing", CancelOptions{})
	s.ErrorIs(err, subscription.ErrSubscriptionNotFound)
	_, err = s.service.State(s.ctx, "missing")
	s.ErrorIs(err, subscription.ErrSubscriptionNotFound)
}

func (s *ActionTestSuite) TestStateReadsThroughCache() {
	sub := s.active("sub_12")

	state, err := s.service.State(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.Equal(subscription.StatusActive, state.EffectiveState)
	s.Equal("customer-1", state.CustomerID)
	s.Equal(1, s.cache.sets)

	state, err = s.service.State(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.Equal(sub.ID, state.ID)
	s.Equal(1, s.cache.sets)
}

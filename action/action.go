// Package action implements the commands customers and operators issue against a subscription.
// Every command mutates the remote object first and applies the local transition only once the
// gateway accepted the change.
package action

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/recur/auth"
	"github.com/zllovesuki/recur/cache"
	"github.com/zllovesuki/recur/gateway"
	"github.com/zllovesuki/recur/subscription"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// StateCache serves the effective state of subscriptions without a database read
type StateCache interface {
	Get(ctx context.Context, id string) (*cache.State, error)
	Set(ctx context.Context, sub *subscription.Subscription) error
}

// Options contains the configuration for Service
type Options struct {
	Logger        *zap.Logger
	Subscriptions *subscription.Manager
	Gateways      gateway.Clients
	Auth          *auth.Auth
	Cache         StateCache // Optional
	CORSOrigins   []string   // Defaults to any origin
	Clock         func() time.Time
}

// Service runs the local subscription commands and serves them over HTTP
type Service struct {
	Options
}

// CancelOptions modifies Cancel
type CancelOptions struct {
	// AtPeriodEnd keeps the subscription active until the end of the paid period
	AtPeriodEnd bool `json:"atPeriodEnd"`
}

// PauseOptions modifies Pause
type PauseOptions struct {
	ResumesAt *time.Time `json:"resumesAt" validate:"required"`
	// AtPeriodEnd stops billing once the current period ended instead of right away
	AtPeriodEnd bool `json:"atPeriodEnd"`
}

// NewService returns a Service
func NewService(option Options) (*Service, error) {
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Gateways == nil {
		return nil, fmt.Errorf("nil Gateways is invalid")
	}
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	return &Service{
		Options: option,
	}, nil
}

func rejected(sub *subscription.Subscription, op string) error {
	return fmt.Errorf("%w: cannot %s a subscription that is %s", subscription.ErrInvalidTransition, op, sub.EffectiveState())
}

// load returns the subscription with freshly read state. Guards are evaluated again inside the repository transaction.
func (s *Service) load(ctx context.Context, id string) (*subscription.Subscription, error) {
	sub, err := s.Subscriptions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return sub, nil
}

// mutator returns nil for subscriptions without a remote object, which only exist locally
func (s *Service) mutator(sub *subscription.Subscription) (gateway.Mutator, error) {
	if len(sub.TransactionID) == 0 {
		return nil, nil
	}
	client, err := s.Gateways.For(sub.PaymentGatewayMode)
	if err != nil {
		return nil, err
	}
	return client.Mutator(sub.Target()), nil
}

func (s *Service) logger(sub *subscription.Subscription, op string) *zap.Logger {
	return s.Logger.With(
		zap.String("SubscriptionID", sub.ID),
		zap.String("TransactionID", sub.TransactionID),
		zap.String("Action", op),
	)
}

// Cancel ends the subscription, immediately or at the end of the paid period
func (s *Service) Cancel(ctx context.Context, id string, opt CancelOptions) (*subscription.Subscription, error) {
	sub, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sub.CanCancel() {
		return nil, rejected(sub, "cancel")
	}
	logger := s.logger(sub, "cancel")

	m, err := s.mutator(sub)
	if err != nil {
		return nil, err
	}

	if opt.AtPeriodEnd {
		var periodEnd time.Time
		if m != nil {
			remote, err := m.CancelAtPeriodEnd(ctx)
			if err != nil {
				logger.Error("Gateway rejected cancel at period end",
					zap.Error(err),
				)
				return nil, extErrors.Wrap(err, "Cannot cancel remote subscription at period end")
			}
			periodEnd = remote.PeriodEnd()
		}
		return s.Subscriptions.CancelAtPeriodEnd(ctx, sub.ID, periodEnd)
	}

	if m != nil {
		if err := m.Cancel(ctx); err != nil {
			if !gateway.IsResourceMissing(err) {
				logger.Error("Gateway rejected cancel",
					zap.Error(err),
				)
				return nil, extErrors.Wrap(err, "Cannot cancel remote subscription")
			}
			// deleted out-of-band, nothing left to bill
			logger.Warn("Remote subscription is already gone, canceling locally")
		}
	}
	return s.Subscriptions.Cancel(ctx, sub.ID)
}

// Pause stops billing until opt.ResumesAt. Installment plans cannot be paused.
func (s *Service) Pause(ctx context.Context, id string, opt PauseOptions) (*subscription.Subscription, error) {
	sub, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if opt.ResumesAt == nil {
		return nil, subscription.ErrResumeDateRequired
	}
	resumesAt := opt.ResumesAt.UTC()
	if !resumesAt.After(s.Clock()) {
		return nil, fmt.Errorf("%w: resume date must be in the future", subscription.ErrValidation)
	}
	if !sub.CanPause() {
		return nil, rejected(sub, "pause")
	}
	logger := s.logger(sub, "pause")

	m, err := s.mutator(sub)
	if err != nil {
		return nil, err
	}
	// a pause at period end voids collection right away as well: the current period is already paid,
	// the next invoice must not be collected
	if m != nil {
		if err := m.Pause(ctx, resumesAt); err != nil {
			logger.Error("Gateway rejected pause",
				zap.Error(err),
			)
			return nil, extErrors.Wrap(err, "Cannot pause remote subscription")
		}
	}
	if opt.AtPeriodEnd {
		return s.Subscriptions.PauseAtPeriodEnd(ctx, sub.ID, &resumesAt)
	}
	return s.Subscriptions.Pause(ctx, sub.ID, &resumesAt)
}

// Resume reactivates a paused subscription or withdraws a scheduled pause
func (s *Service) Resume(ctx context.Context, id string) (*subscription.Subscription, error) {
	sub, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sub.CanResume() {
		return nil, rejected(sub, "resume")
	}
	logger := s.logger(sub, "resume")

	m, err := s.mutator(sub)
	if err != nil {
		return nil, err
	}
	if m != nil {
		if err := m.Resume(ctx); err != nil {
			logger.Error("Gateway rejected resume",
				zap.Error(err),
			)
			return nil, extErrors.Wrap(err, "Cannot resume remote subscription")
		}
	}
	return s.Subscriptions.Resume(ctx, sub.ID)
}

// UpdatePaymentMethod charges paymentMethodID from the next renewal on
func (s *Service) UpdatePaymentMethod(ctx context.Context, id string, paymentMethodID string) (*subscription.Subscription, error) {
	if len(paymentMethodID) == 0 {
		return nil, fmt.Errorf("%w: empty payment method", subscription.ErrValidation)
	}
	sub, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sub.CanUpdatePaymentMethod() {
		return nil, rejected(sub, "update the payment method of")
	}
	logger := s.logger(sub, "update_payment_method")

	m, err := s.mutator(sub)
	if err != nil {
		return nil, err
	}
	if err := m.UpdatePaymentMethod(ctx, paymentMethodID); err != nil {
		logger.Error("Gateway rejected payment method",
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot update remote payment method")
	}
	return s.Subscriptions.SetPendingPaymentMethod(ctx, sub.ID, paymentMethodID)
}

// State returns the effective state of id, read through the cache when one is configured
func (s *Service) State(ctx context.Context, id string) (*cache.State, error) {
	if s.Cache != nil {
		cached, err := s.Cache.Get(ctx, id)
		if err != nil {
			s.Logger.Warn("Unable to read subscription state from cache",
				zap.String("SubscriptionID", id),
				zap.Error(err),
			)
		}
		if cached != nil {
			return cached, nil
		}
	}
	sub, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Cache != nil {
		if err := s.Cache.Set(ctx, sub); err != nil {
			s.Logger.Warn("Unable to write subscription state to cache",
				zap.String("SubscriptionID", id),
				zap.Error(err),
			)
		}
	}
	state := cache.StateOf(sub)
	return &state, nil
}

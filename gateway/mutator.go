package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v72"
)

type subscriptionMutator struct {
	client *StripeClient
	id     string
}

var _ Mutator = &subscriptionMutator{}

func (m *subscriptionMutator) Cancel(ctx context.Context) error {
	_, err := m.client.call("cancel subscription", func() (interface{}, error) {
		p := &stripe.SubscriptionCancelParams{Params: params(ctx)}
		return m.client.api.Subscriptions.Cancel(m.id, p)
	})
	return err
}

func (m *subscriptionMutator) CancelAtPeriodEnd(ctx context.Context) (*Subscription, error) {
	res, err := m.client.call("cancel subscription at period end", func() (interface{}, error) {
		p := &stripe.SubscriptionParams{
			Params:            params(ctx),
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		return m.client.api.Subscriptions.Update(m.id, p)
	})
	if err != nil {
		return nil, err
	}
	return decodeSubscription(res.(*stripe.Subscription))
}

func (m *subscriptionMutator) Pause(ctx context.Context, resumesAt time.Time) error {
	_, err := m.client.call("pause subscription", func() (interface{}, error) {
		pc := &stripe.SubscriptionPauseCollectionParams{
			Behavior: stripe.String("void"),
		}
		if !resumesAt.IsZero() {
			pc.ResumesAt = stripe.Int64(resumesAt.Unix())
		}
		p := &stripe.SubscriptionParams{
			Params:          params(ctx),
			PauseCollection: pc,
		}
		return m.client.api.Subscriptions.Update(m.id, p)
	})
	return err
}

func (m *subscriptionMutator) Resume(ctx context.Context) error {
	_, err := m.client.call("resume subscription", func() (interface{}, error) {
		p := &stripe.SubscriptionParams{Params: params(ctx)}
		// an empty value clears pause_collection
		p.AddExtra("pause_collection", "")
		return m.client.api.Subscriptions.Update(m.id, p)
	})
	return err
}

func (m *subscriptionMutator) UpdatePaymentMethod(ctx context.Context, paymentMethodID string) error {
	_, err := m.client.call("update subscription payment method", func() (interface{}, error) {
		p := &stripe.SubscriptionParams{
			Params:               params(ctx),
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		}
		return m.client.api.Subscriptions.Update(m.id, p)
	})
	return err
}

// scheduleMutator cancels and updates the schedule itself, while collection
// changes are applied on the subscription the schedule is currently driving
type scheduleMutator struct {
	client *StripeClient
	target Target
}

var _ Mutator = &scheduleMutator{}

func (m *scheduleMutator) Cancel(ctx context.Context) error {
	_, err := m.client.call("cancel schedule", func() (interface{}, error) {
		p := &stripe.SubscriptionScheduleCancelParams{Params: params(ctx)}
		return m.client.api.SubscriptionSchedules.Cancel(m.target.TransactionID, p)
	})
	return err
}

func (m *scheduleMutator) underlying() (*subscriptionMutator, error) {
	if len(m.target.RemoteSubscriptionID) == 0 {
		return nil, &Error{
			Op:      "resolve schedule subscription",
			Message: fmt.Sprintf("schedule %s has not started a subscription yet", m.target.TransactionID),
		}
	}
	return &subscriptionMutator{
		client: m.client,
		id:     m.target.RemoteSubscriptionID,
	}, nil
}

// CancelAtPeriodEnd ends the schedule with the current period of its subscription. The schedule owns
// the subscription, so the cancellation is expressed through its phases and end_behavior.
func (m *scheduleMutator) CancelAtPeriodEnd(ctx context.Context) (*Subscription, error) {
	if _, err := m.underlying(); err != nil {
		return nil, err
	}
	sub, err := m.client.GetSubscription(ctx, m.target.RemoteSubscriptionID)
	if err != nil {
		return nil, err
	}

	res, err := m.client.call("get schedule", func() (interface{}, error) {
		p := &stripe.SubscriptionScheduleParams{Params: params(ctx)}
		return m.client.api.SubscriptionSchedules.Get(m.target.TransactionID, p)
	})
	if err != nil {
		return nil, err
	}
	phase := currentPhase(res.(*stripe.SubscriptionSchedule))
	if phase == nil {
		return nil, &Error{
			Op:      "cancel schedule at period end",
			Message: fmt.Sprintf("schedule %s has no current phase", m.target.TransactionID),
		}
	}

	items := make([]*stripe.SubscriptionSchedulePhaseItemParams, 0, len(phase.Items))
	for _, item := range phase.Items {
		ip := &stripe.SubscriptionSchedulePhaseItemParams{}
		if item.Price != nil {
			ip.Price = stripe.String(item.Price.ID)
		}
		if item.Quantity > 0 {
			ip.Quantity = stripe.Int64(item.Quantity)
		}
		items = append(items, ip)
	}

	_, err = m.client.call("cancel schedule at period end", func() (interface{}, error) {
		p := &stripe.SubscriptionScheduleParams{
			Params:            params(ctx),
			EndBehavior:       stripe.String("cancel"),
			ProrationBehavior: stripe.String("none"),
			Phases: []*stripe.SubscriptionSchedulePhaseParams{
				{
					Items:     items,
					StartDate: stripe.Int64(phase.StartDate),
					EndDate:   stripe.Int64(sub.CurrentPeriodEnd),
				},
			},
		}
		return m.client.api.SubscriptionSchedules.Update(m.target.TransactionID, p)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func currentPhase(sched *stripe.SubscriptionSchedule) *stripe.SubscriptionSchedulePhase {
	if sched.CurrentPhase == nil {
		return nil
	}
	for _, phase := range sched.Phases {
		if phase.StartDate == sched.CurrentPhase.StartDate {
			return phase
		}
	}
	return nil
}

func (m *scheduleMutator) Pause(ctx context.Context, resumesAt time.Time) error {
	sub, err := m.underlying()
	if err != nil {
		return err
	}
	return sub.Pause(ctx, resumesAt)
}

func (m *scheduleMutator) Resume(ctx context.Context) error {
	sub, err := m.underlying()
	if err != nil {
		return err
	}
	return sub.Resume(ctx)
}

func (m *scheduleMutator) UpdatePaymentMethod(ctx context.Context, paymentMethodID string) error {
	_, err := m.client.call("update schedule payment method", func() (interface{}, error) {
		p := &stripe.SubscriptionScheduleParams{
			Params: params(ctx),
			DefaultSettings: &stripe.SubscriptionScheduleDefaultSettingsParams{
				DefaultPaymentMethod: stripe.String(paymentMethodID),
			},
		}
		return m.client.api.SubscriptionSchedules.Update(m.target.TransactionID, p)
	})
	return err
}

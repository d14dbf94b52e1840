package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zllovesuki/recur/gateway"
	"github.com/zllovesuki/recur/subscription"
	"github.com/zllovesuki/recur/webhook"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// SubscriptionCreated links a pending local subscription to the remote subscription created for it
type SubscriptionCreated struct{ *base }

// Name implements webhook.Processor
func (p *SubscriptionCreated) Name() string { return "subscription_created" }

// Process implements webhook.Processor
func (p *SubscriptionCreated) Process(ctx context.Context, d *webhook.Delivery) (*webhook.Result, error) {
	var remote gateway.Subscription
	if err := d.Event.DecodeObject(&remote); err != nil {
		return nil, err
	}

	remoteObject := subscription.RemoteObject{
		SubscriptionID:  remote.ID,
		ScheduleID:      remote.Schedule.String(),
		CustomerID:      remote.Customer.String(),
		PaymentMethodID: remote.DefaultPaymentMethod.String(),
	}

	// already linked, either directly or through its schedule
	var sub *subscription.Subscription
	var err error
	if len(remote.Schedule) > 0 {
		sub, err = p.Subscriptions.GetByRemoteScheduleID(ctx, d.Mode, remote.Schedule.String())
		if err != nil {
			return nil, err
		}
	}
	if sub == nil {
		sub, err = p.Subscriptions.GetByRemoteSubscriptionID(ctx, d.Mode, remote.ID)
		if err != nil {
			return nil, err
		}
	}
	if sub != nil {
		if _, err := p.Subscriptions.SetRemoteObject(ctx, sub.ID, remoteObject); err != nil {
			return nil, err
		}
		return webhook.Processed(SourceSubscription, sub.ID), nil
	}

	sub, err = p.Subscriptions.FindPending(ctx, d.Mode, subscription.PendingLookup{
		SubscriptionID: remote.Metadata[gateway.MetadataSubscriptionID],
		OrderID:        remote.Metadata[gateway.MetadataOrderID],
		OrderItemID:    remote.Metadata[gateway.MetadataOrderItemID],
	})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return webhook.NotFound(fmt.Sprintf("no local subscription for %s", remote.ID)), nil
	}

	transactionID := remote.ID
	if sub.IsScheduleType {
		if len(remote.Schedule) == 0 {
			return webhook.NotFound(fmt.Sprintf("%s is not attached to a schedule", remote.ID)), nil
		}
		transactionID = remote.Schedule.String()
	}
	if _, err := p.Subscriptions.SetTransactionID(ctx, sub.ID, transactionID); err != nil {
		if !tolerated(err) {
			return nil, err
		}
	}
	if _, err := p.Subscriptions.SetRemoteObject(ctx, sub.ID, remoteObject); err != nil {
		return nil, err
	}
	return webhook.Processed(SourceSubscription, sub.ID), nil
}

// SubscriptionUpdated reconciles remote status, cancel-at-period-end, pause and resume signals
type SubscriptionUpdated struct{ *base }

// Name implements webhook.Processor
func (p *SubscriptionUpdated) Name() string { return "subscription_updated" }

// Process implements webhook.Processor
func (p *SubscriptionUpdated) Process(ctx context.Context, d *webhook.Delivery) (*webhook.Result, error) {
	var remote gateway.Subscription
	if err := d.Event.DecodeObject(&remote); err != nil {
		return nil, err
	}

	sub, err := p.Subscriptions.GetByRemoteSubscriptionID(ctx, d.Mode, remote.ID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return webhook.NotFound(fmt.Sprintf("no local subscription for %s", remote.ID)), nil
	}
	if sub.IsTerminal() {
		return webhook.Processed(SourceSubscription, sub.ID), nil
	}

	logger := p.logger(d).With(zap.String("SubscriptionID", sub.ID))
	previous := d.Event.PreviousAttributes()
	notes := make([]string, 0, 2)
	apply := func(op string, fn func() (*subscription.Subscription, error)) error {
		before := sub
		after, err := fn()
		if err != nil {
			if tolerated(err) {
				notes = append(notes, fmt.Sprintf("%s skipped: %s", op, err.Error()))
				return nil
			}
			return extErrors.Wrapf(err, "Cannot %s subscription", op)
		}
		p.noteStatusChange(ctx, before, after, fmt.Sprintf("remote subscription is %s", remote.Status))
		sub = after
		return nil
	}

	periodEnd := gateway.Unix(remote.CancelAt)
	if periodEnd.IsZero() {
		periodEnd = remote.PeriodEnd()
	}
	if err := apply("reconcile", func() (*subscription.Subscription, error) {
		return p.Subscriptions.ApplyRemoteState(ctx, sub.ID, subscription.RemoteState{
			CancelAtPeriodEnd: remote.CancelAtPeriodEnd || remote.CancelAt > 0,
			PeriodEnd:         periodEnd,
			PaymentMethodID:   remote.DefaultPaymentMethod.String(),
			CustomerID:        remote.Customer.String(),
			EventAt:           d.Event.CreatedAt(),
		})
	}); err != nil {
		if errors.Is(err, subscription.ErrStaleEvent) {
			logger.Info("Skipping out of order remote update",
				zap.String("EventID", d.Event.ID),
			)
			return &webhook.Result{
				Status:     webhook.StatusProcessed,
				SourceID:   sub.ID,
				SourceType: SourceSubscription,
				Notes:      extErrors.Cause(err).Error(),
			}, nil
		}
		return nil, err
	}

	switch remote.Status {
	case gateway.SubscriptionStatusActive, gateway.SubscriptionStatusTrialing:
		if sub.Status == subscription.StatusPending || sub.Status == subscription.StatusPastDue {
			if err := apply("activate", func() (*subscription.Subscription, error) {
				return p.Subscriptions.Activate(ctx, sub.ID)
			}); err != nil {
				return nil, err
			}
		}
	case gateway.SubscriptionStatusIncompleteExpired:
		if err := apply("cancel", func() (*subscription.Subscription, error) {
			return p.Subscriptions.Cancel(ctx, sub.ID)
		}); err != nil {
			return nil, err
		}
		return &webhook.Result{
			Status:     webhook.StatusProcessed,
			SourceID:   sub.ID,
			SourceType: SourceSubscription,
			Notes:      strings.Join(notes, "; "),
		}, nil
	case gateway.SubscriptionStatusPastDue, gateway.SubscriptionStatusUnpaid:
		if sub.Status == subscription.StatusActive {
			if err := apply("mark past due", func() (*subscription.Subscription, error) {
				return p.Subscriptions.MarkPastDue(ctx, sub.ID)
			}); err != nil {
				return nil, err
			}
		}
	}

	// a single update can carry a status and a pause or resume signal at the same time
	_, pauseChanged := previous["pause_collection"]
	_, periodRolled := previous["current_period_end"]
	var resumesAt *time.Time
	if remote.PauseCollection != nil && remote.PauseCollection.ResumesAt > 0 {
		t := gateway.Unix(remote.PauseCollection.ResumesAt)
		resumesAt = &t
	}

	switch {
	case remote.IsPaused() && !sub.IsPaused():
		if sub.PauseAtPeriodEnd {
			// the pause was requested locally for the end of the period. Only stop billing once the period rolled over
			if periodRolled || (sub.NextBillingAt != nil && !p.now().Before(*sub.NextBillingAt)) {
				if err := apply("suspend", func() (*subscription.Subscription, error) {
					return p.Subscriptions.Suspend(ctx, sub.ID, resumesAt)
				}); err != nil {
					return nil, err
				}
			}
		} else {
			if err := apply("pause", func() (*subscription.Subscription, error) {
				return p.Subscriptions.Pause(ctx, sub.ID, resumesAt)
			}); err != nil {
				return nil, err
			}
		}
	case !remote.IsPaused() && sub.IsPaused() && pauseChanged:
		if err := apply("resume", func() (*subscription.Subscription, error) {
			return p.Subscriptions.Resume(ctx, sub.ID)
		}); err != nil {
			return nil, err
		}
	case !remote.IsPaused() && sub.PauseAtPeriodEnd && pauseChanged:
		// the scheduled pause was withdrawn before the period rolled over
		if err := apply("resume", func() (*subscription.Subscription, error) {
			return p.Subscriptions.Resume(ctx, sub.ID)
		}); err != nil {
			return nil, err
		}
	}

	if len(notes) > 0 {
		logger.Debug("Remote update partially applied",
			zap.Strings("Notes", notes),
		)
	}
	return &webhook.Result{
		Status:     webhook.StatusProcessed,
		SourceID:   sub.ID,
		SourceType: SourceSubscription,
		Notes:      strings.Join(notes, "; "),
	}, nil
}

// SubscriptionDeleted ends the local subscription once the remote one is gone
type SubscriptionDeleted struct{ *base }

// Name implements webhook.Processor
func (p *SubscriptionDeleted) Name() string { return "subscription_deleted" }

// Process implements webhook.Processor
func (p *SubscriptionDeleted) Process(ctx context.Context, d *webhook.Delivery) (*webhook.Result, error) {
	var remote gateway.Subscription
	if err := d.Event.DecodeObject(&remote); err != nil {
		return nil, err
	}

	sub, err := p.Subscriptions.GetByRemoteSubscriptionID(ctx, d.Mode, remote.ID)
	if err != nil {
		return nil, err
	}
	if sub == nil && len(remote.Schedule) > 0 {
		sub, err = p.Subscriptions.GetByRemoteScheduleID(ctx, d.Mode, remote.Schedule.String())
		if err != nil {
			return nil, err
		}
	}
	if sub == nil {
		return webhook.NotFound(fmt.Sprintf("no local subscription for %s", remote.ID)), nil
	}
	return p.end(ctx, sub, "remote subscription was deleted")
}

// end completes a finished installment plan and cancels everything else
func (b *base) end(ctx context.Context, sub *subscription.Subscription, reason string) (*webhook.Result, error) {
	var after *subscription.Subscription
	var err error
	if sub.IsInstallmentComplete() && sub.HasEndDate() {
		after, err = b.Subscriptions.Complete(ctx, sub.ID)
	} else {
		after, err = b.Subscriptions.Cancel(ctx, sub.ID)
	}
	if err != nil {
		if tolerated(err) {
			return &webhook.Result{
				Status:     webhook.StatusProcessed,
				SourceID:   sub.ID,
				SourceType: SourceSubscription,
				Notes:      err.Error(),
			}, nil
		}
		return nil, err
	}
	b.noteStatusChange(ctx, sub, after, reason)
	return webhook.Processed(SourceSubscription, sub.ID), nil
}

// ScheduleCanceled ends a schedule type subscription whose schedule was canceled on the remote side
type ScheduleCanceled struct{ *base }

// Name implements webhook.Processor
func (p *ScheduleCanceled) Name() string { return "schedule_canceled" }

// Process implements webhook.Processor
func (p *ScheduleCanceled) Process(ctx context.Context, d *webhook.Delivery) (*webhook.Result, error) {
	var remote gateway.Schedule
	if err := d.Event.DecodeObject(&remote); err != nil {
		return nil, err
	}

	sub, err := p.Subscriptions.GetByRemoteScheduleID(ctx, d.Mode, remote.ID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return webhook.NotFound(fmt.Sprintf("no local subscription for %s", remote.ID)), nil
	}
	return p.end(ctx, sub, "remote schedule was canceled")
}

// ScheduleCompleted completes an installment plan whose schedule ran every phase
type ScheduleCompleted struct{ *base }

// Name implements webhook.Processor
func (p *ScheduleCompleted) Name() string { return "schedule_completed" }

// Process implements webhook.Processor
func (p *ScheduleCompleted) Process(ctx context.Context, d *webhook.Delivery) (*webhook.Result, error) {
	var remote gateway.Schedule
	if err := d.Event.DecodeObject(&remote); err != nil {
		return nil, err
	}

	sub, err := p.Subscriptions.GetByRemoteScheduleID(ctx, d.Mode, remote.ID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return webhook.NotFound(fmt.Sprintf("no local subscription for %s", remote.ID)), nil
	}
	if !sub.IsInstallmentComplete() {
		// released schedules keep billing through the underlying subscription
		return &webhook.Result{
			Status:     webhook.StatusProcessed,
			SourceID:   sub.ID,
			SourceType: SourceSubscription,
			Notes:      fmt.Sprintf("schedule completed with %d installments billed", sub.BilledCount),
		}, nil
	}

	after, err := p.Subscriptions.Complete(ctx, sub.ID)
	if err != nil {
		if tolerated(err) {
			return webhook.Processed(SourceSubscription, sub.ID), nil
		}
		return nil, err
	}
	p.noteStatusChange(ctx, sub, after, "every installment was billed")
	return webhook.Processed(SourceSubscription, sub.ID), nil
}

package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zllovesuki/recur/gateway"
	"github.com/zllovesuki/recur/order"
	"github.com/zllovesuki/recur/subscription"
	"github.com/zllovesuki/recur/webhook"

	extErrors "github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

func decodePaymentIntent(d *webhook.Delivery) (*gateway.PaymentIntent, error) {
	var pi gateway.PaymentIntent
	if err := d.Event.DecodeObject(&pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

func orderNotFound(pi *gateway.PaymentIntent) *webhook.Result {
	return webhook.NotFound(fmt.Sprintf("no local order for %s", pi.ID))
}

// PaymentIntentSucceeded marks the originating order as paid
type PaymentIntentSucceeded struct{ *base }

// Name implements webhook.Processor
func (p *PaymentIntentSucceeded) Name() string { return "payment_intent_succeeded" }

// Process implements webhook.Processor
func (p *PaymentIntentSucceeded) Process(ctx context.Context, d *webhook.Delivery) (*webhook.Result, error) {
	pi, err := decodePaymentIntent(d)
	if err != nil {
		return nil, err
	}
	o, err := p.findOrder(ctx, d.Mode, pi)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return orderNotFound(pi), nil
	}
	if err := p.Orders.PaymentComplete(ctx, o.ID, pi.ID); err != nil {
		return nil, err
	}
	return webhook.Processed(SourceOrder, o.ID), nil
}

// ScheduleCreation creates the remote recurring object of every subscription bought with the order,
// once its first period was paid
type ScheduleCreation struct{ *base }

// Name implements webhook.Processor
func (p *ScheduleCreation) Name() string { return "schedule_creation" }

// Process implements webhook.Processor
func (p *ScheduleCreation) Process(ctx context.Context, d *webhook.Delivery) (*webhook.Result, error) {
	pi, err := decodePaymentIntent(d)
	if err != nil {
		return nil, err
	}
	o, err := p.findOrder(ctx, d.Mode, pi)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return orderNotFound(pi), nil
	}

	subs, err := p.Subscriptions.ListByOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	awaiting := lo.Filter(subs, func(sub subscription.Subscription, _ int) bool {
		return sub.PaymentGatewayMode == d.Mode &&
			sub.Status == subscription.StatusPending &&
			len(sub.TransactionID) == 0
	})
	if len(awaiting) == 0 {
		return webhook.NotFound(fmt.Sprintf("order %s has no subscription awaiting a remote object", o.ID)), nil
	}

	client, err := p.Gateways.For(d.Mode)
	if err != nil {
		return nil, err
	}

	// the payload may be stale by the time it is delivered, only a succeeded intent pays the first period
	current, err := client.GetPaymentIntent(ctx, pi.ID)
	if err != nil {
		if gateway.IsResourceMissing(err) {
			return webhook.NotFound(fmt.Sprintf("payment intent %s is gone", pi.ID)), nil
		}
		return nil, extErrors.Wrap(err, "Cannot fetch payment intent")
	}
	if current.Status != gateway.PaymentIntentStatusSucceeded {
		return &webhook.Result{
			Status:     webhook.StatusProcessed,
			SourceID:   o.ID,
			SourceType: SourceOrder,
			Notes:      fmt.Sprintf("payment intent %s is %s", pi.ID, current.Status),
		}, nil
	}
	pi = current

	logger := p.logger(d).With(zap.String("OrderID", o.ID))
	var result *webhook.Result
	failures := make([]string, 0)
	for i := range awaiting {
		sub := &awaiting[i]
		if err := p.create(ctx, client, d.Mode, pi, sub); err != nil {
			logger.Error("Unable to create remote subscription",
				zap.String("SubscriptionID", sub.ID),
				zap.Error(err),
			)
			failures = append(failures, fmt.Sprintf("%s: %s", sub.ID, err.Error()))
			continue
		}
		if result == nil {
			result = webhook.Processed(SourceSubscription, sub.ID)
		}
	}
	if len(failures) > 0 {
		return nil, fmt.Errorf("remote object creation failed for %s", strings.Join(failures, "; "))
	}
	return result, nil
}

func (p *ScheduleCreation) create(ctx context.Context, client gateway.Client, mode gateway.Mode, pi *gateway.PaymentIntent, sub *subscription.Subscription) error {
	customerID := sub.RemoteCustomerID
	if len(customerID) == 0 {
		gid, err := p.Customers.GatewayID(ctx, sub.CustomerID, mode)
		if err != nil {
			return err
		}
		customerID = gid
	}
	if len(customerID) == 0 {
		customerID = pi.Customer.String()
	}
	if len(customerID) == 0 {
		return fmt.Errorf("no gateway customer for customer %s", sub.CustomerID)
	}
	if len(sub.RemotePriceID) == 0 {
		return fmt.Errorf("subscription has no gateway price")
	}
	if sub.NextBillingAt == nil {
		return fmt.Errorf("subscription has no next billing date")
	}
	paymentMethod := sub.PaymentMethodID
	if len(paymentMethod) == 0 {
		paymentMethod = pi.PaymentMethod.String()
	}

	params := gateway.CreateParams{
		LocalID:       sub.ID,
		Customer:      customerID,
		Price:         sub.RemotePriceID,
		PaymentMethod: paymentMethod,
		StartAt:       *sub.NextBillingAt,
		Iterations:    sub.RemainingInstallments(),
		Metadata: map[string]string{
			gateway.MetadataOrderID:     sub.FirstOrderID,
			gateway.MetadataOrderItemID: sub.FirstOrderItemID,
		},
	}

	var transactionID string
	remote := subscription.RemoteObject{
		CustomerID:      customerID,
		PaymentMethodID: paymentMethod,
	}
	if sub.IsScheduleType {
		sched, err := client.CreateSchedule(ctx, params)
		if err != nil {
			return extErrors.Wrap(err, "Cannot create remote schedule")
		}
		transactionID = sched.ID
		remote.ScheduleID = sched.ID
		remote.SubscriptionID = sched.Subscription.String()
	} else {
		created, err := client.CreateSubscription(ctx, params)
		if err != nil {
			return extErrors.Wrap(err, "Cannot create remote subscription")
		}
		transactionID = created.ID
		remote.SubscriptionID = created.ID
	}

	if _, err := p.Subscriptions.SetTransactionID(ctx, sub.ID, transactionID); err != nil && !tolerated(err) {
		return err
	}
	if _, err := p.Subscriptions.SetRemoteObject(ctx, sub.ID, remote); err != nil {
		return err
	}
	after, err := p.Subscriptions.Activate(ctx, sub.ID)
	if err != nil {
		return err
	}
	p.noteStatusChange(ctx, sub, after, fmt.Sprintf("first period paid, remote object %s created", transactionID))
	return nil
}

// PaymentIntentFailed marks an unpaid originating order as failed
type PaymentIntentFailed struct{ *base }

// Name implements webhook.Processor
func (p *PaymentIntentFailed) Name() string { return "payment_intent_failed" }

// Process implements webhook.Processor
func (p *PaymentIntentFailed) Process(ctx context.Context, d *webhook.Delivery) (*webhook.Result, error) {
	pi, err := decodePaymentIntent(d)
	if err != nil {
		return nil, err
	}
	o, err := p.findOrder(ctx, d.Mode, pi)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return orderNotFound(pi), nil
	}
	if o.Status.IsPaid() {
		return webhook.Processed(SourceOrder, o.ID), nil
	}

	note := "Payment failed"
	if pi.LastPaymentError != nil && len(pi.LastPaymentError.Message) > 0 {
		note = fmt.Sprintf("Payment failed: %s", pi.LastPaymentError.Message)
	}
	if err := p.Orders.UpdateStatus(ctx, o.ID, order.StatusFailed, note); err != nil {
		return nil, err
	}
	return webhook.Processed(SourceOrder, o.ID), nil
}

// PaymentIntentCanceled cancels the originating order and removes the subscriptions that never got a remote object
type PaymentIntentCanceled struct{ *base }

// Name implements webhook.Processor
func (p *PaymentIntentCanceled) Name() string { return "payment_intent_canceled" }

// Process implements webhook.Processor
func (p *PaymentIntentCanceled) Process(ctx context.Context, d *webhook.Delivery) (*webhook.Result, error) {
	pi, err := decodePaymentIntent(d)
	if err != nil {
		return nil, err
	}
	o, err := p.findOrder(ctx, d.Mode, pi)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return orderNotFound(pi), nil
	}
	if o.Status.IsPaid() {
		return webhook.Processed(SourceOrder, o.ID), nil
	}

	if err := p.Orders.UpdateStatus(ctx, o.ID, order.StatusCancelled, "Payment was canceled"); err != nil {
		return nil, err
	}
	if err := p.Orders.InvalidateItems(ctx, o.ID); err != nil {
		return nil, err
	}

	subs, err := p.Subscriptions.ListByOrder(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	orphans := lo.Filter(subs, func(sub subscription.Subscription, _ int) bool {
		return sub.PaymentGatewayMode == d.Mode && len(sub.TransactionID) == 0
	})
	deleted := make([]string, 0, len(orphans))
	for _, sub := range orphans {
		if err := p.Subscriptions.Delete(ctx, sub.ID); err != nil {
			if errors.Is(err, subscription.ErrHasRemoteObject) || errors.Is(err, subscription.ErrSubscriptionNotFound) {
				continue
			}
			return nil, err
		}
		deleted = append(deleted, sub.ID)
	}
	if len(deleted) == 0 {
		return webhook.Processed(SourceOrder, o.ID), nil
	}
	if err := p.Orders.AddOrderNote(ctx, o.ID, fmt.Sprintf("Removed subscriptions %s", strings.Join(deleted, ", "))); err != nil {
		return nil, err
	}
	result := webhook.Deleted(SourceSubscription, deleted[0])
	result.Notes = fmt.Sprintf("removed %d subscription(s) of order %s", len(deleted), o.ID)
	return result, nil
}

// PaymentIntentProcessing puts a pending order on hold until the payment settles
type PaymentIntentProcessing struct{ *base }

// Name implements webhook.Processor
func (p *PaymentIntentProcessing) Name() string { return "payment_intent_processing" }

// Process implements webhook.Processor
func (p *PaymentIntentProcessing) Process(ctx context.Context, d *webhook.Delivery) (*webhook.Result, error) {
	pi, err := decodePaymentIntent(d)
	if err != nil {
		return nil, err
	}
	o, err := p.findOrder(ctx, d.Mode, pi)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return orderNotFound(pi), nil
	}
	if o.Status != order.StatusPending {
		return webhook.Processed(SourceOrder, o.ID), nil
	}
	if err := p.Orders.UpdateStatus(ctx, o.ID, order.StatusOnHold, "Awaiting payment confirmation"); err != nil {
		return nil, err
	}
	return webhook.Processed(SourceOrder, o.ID), nil
}

package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/zllovesuki/recur/gateway"
	"github.com/zllovesuki/recur/order"
	"github.com/zllovesuki/recur/subscription"
	"github.com/zllovesuki/recur/webhook"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// billing reason of the first invoice of a remote subscription. Its period was paid by the originating order
const billingReasonCreate = "subscription_create"

func (b *base) subscriptionForInvoice(ctx context.Context, mode gateway.Mode, inv *gateway.Invoice) (*subscription.Subscription, error) {
	if len(inv.Subscription) == 0 {
		return nil, nil
	}
	sub, err := b.Subscriptions.GetByRemoteSubscriptionID(ctx, mode, inv.Subscription.String())
	if err != nil || sub != nil {
		return sub, err
	}
	return b.linkInvoiceSubscription(ctx, mode, inv.Subscription.String())
}

// linkInvoiceSubscription resolves a remote subscription that was not linked yet. A schedule starts its
// subscription on its own, and the first invoice can arrive before customer.subscription.created does.
func (b *base) linkInvoiceSubscription(ctx context.Context, mode gateway.Mode, remoteID string) (*subscription.Subscription, error) {
	client, err := b.Gateways.For(mode)
	if err != nil {
		return nil, err
	}
	remote, err := client.GetSubscription(ctx, remoteID)
	if err != nil {
		if gateway.IsResourceMissing(err) {
			return nil, nil
		}
		return nil, extErrors.Wrap(err, "Cannot fetch remote subscription")
	}

	var sub *subscription.Subscription
	if len(remote.Schedule) > 0 {
		sub, err = b.Subscriptions.GetByRemoteScheduleID(ctx, mode, remote.Schedule.String())
		if err != nil {
			return nil, err
		}
	}
	if sub == nil {
		if localID := remote.Metadata[gateway.MetadataSubscriptionID]; len(localID) > 0 {
			sub, err = b.Subscriptions.Get(ctx, localID)
			if err != nil {
				return nil, err
			}
			// metadata is only trusted for a subscription created for this remote object
			if sub != nil && (sub.PaymentGatewayMode != mode ||
				(sub.TransactionID != remote.ID && sub.TransactionID != remote.Schedule.String())) {
				sub = nil
			}
		}
	}
	if sub == nil || len(sub.RemoteSubscriptionID) > 0 {
		return nil, nil
	}

	return b.Subscriptions.SetRemoteObject(ctx, sub.ID, subscription.RemoteObject{
		SubscriptionID:  remote.ID,
		ScheduleID:      remote.Schedule.String(),
		CustomerID:      remote.Customer.String(),
		PaymentMethodID: remote.DefaultPaymentMethod.String(),
	})
}

// InvoicePaid creates the renewal order of a paid invoice and counts it against the subscription
type InvoicePaid struct{ *base }

// Name implements webhook.Processor
func (p *InvoicePaid) Name() string { return "invoice_paid" }

// Process implements webhook.Processor
func (p *InvoicePaid) Process(ctx context.Context, d *webhook.Delivery) (*webhook.Result, error) {
	var inv gateway.Invoice
	if err := d.Event.DecodeObject(&inv); err != nil {
		return nil, err
	}

	sub, err := p.subscriptionForInvoice(ctx, d.Mode, &inv)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return webhook.NotFound(fmt.Sprintf("no local subscription for invoice %s", inv.ID)), nil
	}
	if inv.BillingReason == billingReasonCreate && inv.AmountPaid == 0 {
		return &webhook.Result{
			Status:     webhook.StatusProcessed,
			SourceID:   sub.ID,
			SourceType: SourceSubscription,
			Notes:      "initial invoice of a prepaid period",
		}, nil
	}
	if sub.IsTerminal() || sub.IsInstallmentComplete() {
		return &webhook.Result{
			Status:     webhook.StatusProcessed,
			SourceID:   sub.ID,
			SourceType: SourceSubscription,
			Notes:      fmt.Sprintf("renewal ignored, subscription is %s", sub.Status),
		}, nil
	}

	paidAt := p.now()
	renewal, created, err := p.Orders.CreateRenewalOrder(ctx, order.RenewalOptions{
		ParentOrderID:   sub.FirstOrderID,
		SubscriptionID:  sub.ID,
		CustomerID:      sub.CustomerID,
		InvoiceID:       inv.ID,
		PaymentIntentID: inv.PaymentIntent.String(),
		Mode:            d.Mode,
		Total:           fromMinorUnits(inv.AmountPaid, inv.Currency),
		CurrencyCode:    strings.ToUpper(inv.Currency),
		PaidAt:          paidAt,
	})
	if err != nil {
		return nil, err
	}

	after, applied, err := p.Subscriptions.RecordRenewal(ctx, sub.ID, subscription.RenewalOptions{
		InvoiceID: inv.ID,
		OrderID:   renewal.ID,
		PaidAt:    paidAt,
	})
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
	if !applied {
		p.logger(d).Debug("Invoice was already counted",
			zap.String("SubscriptionID", sub.ID),
			zap.String("InvoiceID", inv.ID),
			zap.Bool("OrderCreated", created),
		)
		return webhook.Processed(SourceSubscription, sub.ID), nil
	}
	p.noteStatusChange(ctx, sub, after, fmt.Sprintf("invoice %s was paid", inv.ID))
	return webhook.Processed(SourceSubscription, sub.ID), nil
}

// InvoicePaymentFailed marks the subscription past due
type InvoicePaymentFailed struct{ *base }

// Name implements webhook.Processor
func (p *InvoicePaymentFailed) Name() string { return "invoice_payment_failed" }

// Process implements webhook.Processor
func (p *InvoicePaymentFailed) Process(ctx context.Context, d *webhook.Delivery) (*webhook.Result, error) {
	var inv gateway.Invoice
	if err := d.Event.DecodeObject(&inv); err != nil {
		return nil, err
	}

	sub, err := p.subscriptionForInvoice(ctx, d.Mode, &inv)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return webhook.NotFound(fmt.Sprintf("no local subscription for invoice %s", inv.ID)), nil
	}

	after, err := p.Subscriptions.MarkPastDue(ctx, sub.ID)
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
	p.noteStatusChange(ctx, sub, after, fmt.Sprintf("payment of invoice %s failed", inv.ID))
	return webhook.Processed(SourceSubscription, sub.ID), nil
}

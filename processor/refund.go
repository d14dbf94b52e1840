package processor

import (
	"context"
	"fmt"

	"github.com/zllovesuki/recur/gateway"
	"github.com/zllovesuki/recur/order"
	"github.com/zllovesuki/recur/webhook"

	extErrors "github.com/pkg/errors"
)

func refundSettled(status string) bool {
	return status == gateway.RefundStatusSucceeded || status == gateway.RefundStatusPending
}

func refundVoided(status string) bool {
	return status == gateway.RefundStatusFailed || status == gateway.RefundStatusCanceled
}

// reconcileRefund creates the local refund of a live gateway refund, or deletes the local refund of a voided one.
// deleted is true if a local refund was removed.
func (b *base) reconcileRefund(ctx context.Context, o *order.Order, remote *gateway.Refund) (local *order.Refund, deleted bool, err error) {
	local, err = b.Orders.GetRefundByRemoteID(ctx, remote.ID)
	if err != nil {
		return nil, false, err
	}
	switch {
	case refundVoided(remote.Status):
		if local == nil {
			return nil, false, nil
		}
		if err := b.Orders.DeleteRefund(ctx, local.ID); err != nil {
			return nil, false, err
		}
		return local, true, nil
	case refundSettled(remote.Status) && local == nil:
		local = &order.Refund{
			OrderID:  o.ID,
			RemoteID: remote.ID,
			Amount:   fromMinorUnits(remote.Amount, remote.Currency),
			Reason:   remote.Reason,
		}
		if err := b.Orders.CreateRefund(ctx, local); err != nil {
			return nil, false, err
		}
	}
	return local, false, nil
}

// ChargeRefunded records the refunds of a charge that are not known locally
type ChargeRefunded struct{ *base }

// Name implements webhook.Processor
func (p *ChargeRefunded) Name() string { return "charge_refunded" }

// Process implements webhook.Processor
func (p *ChargeRefunded) Process(ctx context.Context, d *webhook.Delivery) (*webhook.Result, error) {
	var charge gateway.Charge
	if err := d.Event.DecodeObject(&charge); err != nil {
		return nil, err
	}

	paymentIntentID := charge.PaymentIntent.String()
	if len(paymentIntentID) == 0 && len(charge.Invoice) > 0 {
		// invoice charges only reference their payment intent through the invoice
		client, err := p.Gateways.For(d.Mode)
		if err != nil {
			return nil, err
		}
		inv, err := client.GetInvoice(ctx, charge.Invoice.String())
		if err != nil {
			if gateway.IsResourceMissing(err) {
				return webhook.NotFound(fmt.Sprintf("invoice %s of charge %s is gone", charge.Invoice, charge.ID)), nil
			}
			return nil, extErrors.Wrap(err, "Cannot fetch invoice")
		}
		paymentIntentID = inv.PaymentIntent.String()
	}
	if len(paymentIntentID) == 0 {
		return webhook.NotFound(fmt.Sprintf("charge %s has no payment intent", charge.ID)), nil
	}
	o, err := p.Orders.FindByPaymentIntent(ctx, d.Mode, paymentIntentID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return webhook.NotFound(fmt.Sprintf("no local order for %s", paymentIntentID)), nil
	}

	refunds, err := p.chargeRefunds(ctx, d.Mode, &charge)
	if err != nil {
		return nil, err
	}
	for i := range refunds {
		refund := refunds[i]
		if len(refund.Currency) == 0 {
			refund.Currency = charge.Currency
		}
		if _, _, err := p.reconcileRefund(ctx, o, &refund); err != nil {
			return nil, err
		}
	}
	if charge.Refunded {
		if err := p.Orders.UpdateStatus(ctx, o.ID, order.StatusRefunded, fmt.Sprintf("Charge %s was fully refunded", charge.ID)); err != nil {
			return nil, err
		}
	}
	return webhook.Processed(SourceOrder, o.ID), nil
}

// chargeRefunds returns the embedded refunds when the event carries all of them and lists them otherwise
func (p *ChargeRefunded) chargeRefunds(ctx context.Context, mode gateway.Mode, charge *gateway.Charge) ([]gateway.Refund, error) {
	if charge.Refunds != nil && !charge.Refunds.HasMore {
		return charge.Refunds.Data, nil
	}
	client, err := p.Gateways.For(mode)
	if err != nil {
		return nil, err
	}
	refunds, err := client.ListRefunds(ctx, charge.ID)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot list refunds")
	}
	return refunds, nil
}

// RefundUpdated reconciles a single refund whose status changed
type RefundUpdated struct{ *base }

// Name implements webhook.Processor
func (p *RefundUpdated) Name() string { return "refund_updated" }

// Process implements webhook.Processor
func (p *RefundUpdated) Process(ctx context.Context, d *webhook.Delivery) (*webhook.Result, error) {
	var refund gateway.Refund
	if err := d.Event.DecodeObject(&refund); err != nil {
		return nil, err
	}

	var o *order.Order
	if len(refund.PaymentIntent) > 0 {
		found, err := p.Orders.FindByPaymentIntent(ctx, d.Mode, refund.PaymentIntent.String())
		if err != nil {
			return nil, err
		}
		o = found
	}
	if o == nil {
		existing, err := p.Orders.GetRefundByRemoteID(ctx, refund.ID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return webhook.NotFound(fmt.Sprintf("no local order for refund %s", refund.ID)), nil
		}
		o, err = p.Orders.GetOrder(ctx, existing.OrderID)
		if err != nil {
			return nil, err
		}
		if o == nil {
			return webhook.NotFound(fmt.Sprintf("no local order for refund %s", refund.ID)), nil
		}
	}

	local, deleted, err := p.reconcileRefund(ctx, o, &refund)
	if err != nil {
		return nil, err
	}
	if deleted {
		return webhook.Deleted(SourceRefund, local.ID), nil
	}
	if local == nil {
		return webhook.Processed(SourceOrder, o.ID), nil
	}
	return webhook.Processed(SourceRefund, local.ID), nil
}

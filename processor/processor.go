// Package processor turns authenticated gateway events into repository transitions
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zllovesuki/recur/customer"
	"github.com/zllovesuki/recur/gateway"
	"github.com/zllovesuki/recur/order"
	"github.com/zllovesuki/recur/subscription"
	"github.com/zllovesuki/recur/webhook"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Source types written on the ledger
const (
	SourceSubscription = "subscription"
	SourceOrder        = "order"
	SourceRefund       = "refund"
)

// Options contains the collaborators shared by every processor
type Options struct {
	Logger        *zap.Logger
	Subscriptions *subscription.Manager
	Orders        order.Adapter
	Customers     *customer.Manager
	Gateways      gateway.Clients
	Clock         func() time.Time // Defaults to time.Now
}

func (o *Options) validate() error {
	if o.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	if o.Subscriptions == nil {
		return fmt.Errorf("nil Subscriptions is invalid")
	}
	if o.Orders == nil {
		return fmt.Errorf("nil Orders is invalid")
	}
	if o.Customers == nil {
		return fmt.Errorf("nil Customers is invalid")
	}
	if o.Gateways == nil {
		return fmt.Errorf("nil Gateways is invalid")
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return nil
}

type base struct {
	Options
}

// Register adds every processor to registry. payment_intent.succeeded fans out to the order
// update first and the remote object creation second.
func Register(registry *webhook.Registry, option Options) error {
	if err := option.validate(); err != nil {
		return err
	}
	b := &base{Options: option}

	routes := []struct {
		t          webhook.EventType
		processors []webhook.Processor
	}{
		{webhook.SubscriptionCreated, []webhook.Processor{&SubscriptionCreated{b}}},
		{webhook.SubscriptionUpdated, []webhook.Processor{&SubscriptionUpdated{b}}},
		{webhook.SubscriptionDeleted, []webhook.Processor{&SubscriptionDeleted{b}}},
		{webhook.ScheduleCanceled, []webhook.Processor{&ScheduleCanceled{b}}},
		{webhook.ScheduleCompleted, []webhook.Processor{&ScheduleCompleted{b}}},
		{webhook.InvoicePaid, []webhook.Processor{&InvoicePaid{b}}},
		{webhook.InvoicePaymentFailed, []webhook.Processor{&InvoicePaymentFailed{b}}},
		{webhook.PaymentIntentSucceeded, []webhook.Processor{&PaymentIntentSucceeded{b}, &ScheduleCreation{b}}},
		{webhook.PaymentIntentPaymentFailed, []webhook.Processor{&PaymentIntentFailed{b}}},
		{webhook.PaymentIntentCanceled, []webhook.Processor{&PaymentIntentCanceled{b}}},
		{webhook.PaymentIntentProcessing, []webhook.Processor{&PaymentIntentProcessing{b}}},
		{webhook.ChargeRefunded, []webhook.Processor{&ChargeRefunded{b}}},
		{webhook.ChargeRefundUpdated, []webhook.Processor{&RefundUpdated{b}}},
	}
	for _, route := range routes {
		if err := registry.Register(route.t, route.processors...); err != nil {
			return err
		}
	}
	return nil
}

func (b *base) now() time.Time {
	return b.Clock().UTC()
}

func (b *base) logger(d *webhook.Delivery) *zap.Logger {
	return b.Logger.With(
		zap.String("EventID", d.Event.ID),
		zap.String("EventType", string(d.Event.Type)),
		zap.String("Mode", string(d.Mode)),
	)
}

// tolerated reports guard rejections: the event references an entity already past the
// transition, which is an idempotency conflict rather than a failure
func tolerated(err error) bool {
	return errors.Is(err, subscription.ErrInvalidTransition) || errors.Is(err, subscription.ErrTransactionIDSet)
}

// noteStatusChange adds an order note when a transition changed the subscription status
func (b *base) noteStatusChange(ctx context.Context, before, after *subscription.Subscription, reason string) {
	if before == nil || after == nil || before.Status == after.Status || len(after.FirstOrderID) == 0 {
		return
	}
	note := fmt.Sprintf("Subscription %s status changed from %s to %s", after.ID, before.Status, after.Status)
	if len(reason) > 0 {
		note = note + ": " + reason
	}
	if err := b.Orders.AddOrderNote(ctx, after.FirstOrderID, note); err != nil {
		// notes are informational, the transition already committed
		b.Logger.Error("Unable to add order note",
			zap.String("OrderID", after.FirstOrderID),
			zap.Error(err),
		)
	}
}

// findOrder resolves the order a payment intent paid for: by payment intent first, then by the
// order id written into its metadata
func (b *base) findOrder(ctx context.Context, mode gateway.Mode, pi *gateway.PaymentIntent) (*order.Order, error) {
	o, err := b.Orders.FindByPaymentIntent(ctx, mode, pi.ID)
	if err != nil || o != nil {
		return o, err
	}
	orderID := pi.Metadata[gateway.MetadataOrderID]
	if len(orderID) == 0 {
		return nil, nil
	}
	o, err = b.Orders.GetOrder(ctx, orderID)
	if err != nil || o == nil {
		return nil, err
	}
	if o.PaymentGatewayMode != mode {
		return nil, nil
	}
	return o, nil
}

var zeroDecimalCurrencies = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {}, "mga": {},
	"pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
}

// fromMinorUnits converts a gateway amount in the smallest currency unit
func fromMinorUnits(amount int64, currency string) decimal.Decimal {
	if _, ok := zeroDecimalCurrencies[strings.ToLower(currency)]; ok {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

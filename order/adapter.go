package order

import (
	"context"
	"time"

	"github.com/zllovesuki/recur/gateway"

	"github.com/shopspring/decimal"
)

// RenewalOptions describes the renewal order created for a paid gateway invoice
type RenewalOptions struct {
	ParentOrderID   string
	SubscriptionID  string
	CustomerID      string
	InvoiceID       string
	PaymentIntentID string
	Mode            gateway.Mode
	Total           decimal.Decimal
	CurrencyCode    string
	PaidAt          time.Time
}

// Adapter is the commerce platform as seen by the event processors
type Adapter interface {
	GetOrder(ctx context.Context, id string) (*Order, error)
	FindByPaymentIntent(ctx context.Context, mode gateway.Mode, paymentIntentID string) (*Order, error)
	AddOrderNote(ctx context.Context, orderID string, note string) error
	// PaymentComplete marks the order as paid. Calling it on a paid order is a no-op
	PaymentComplete(ctx context.Context, orderID string, paymentIntentID string) error
	// UpdateStatus changes the order status and records note when the status actually changed
	UpdateStatus(ctx context.Context, orderID string, status Status, note string) error
	// InvalidateItems flags every line item of the order as never to be fulfilled
	InvalidateItems(ctx context.Context, orderID string) error
	// CreateRenewalOrder is keyed by the gateway invoice: created is false when the order already existed
	CreateRenewalOrder(ctx context.Context, opt RenewalOptions) (o *Order, created bool, err error)
	GetRefundByRemoteID(ctx context.Context, remoteID string) (*Refund, error)
	CreateRefund(ctx context.Context, refund *Refund) error
	DeleteRefund(ctx context.Context, id string) error
	ListRefunds(ctx context.Context, orderID string) ([]Refund, error)
}

package gateway

import (
	"context"
	"fmt"
	"time"
)

// Mode scopes every remote identity. A live and a test object for the same
// local order are distinct remote objects.
type Mode string

// Defining the two gateway modes
const (
	ModeLive Mode = "live"
	ModeTest Mode = "test"
)

// Validate returns an error if the Mode is neither live nor test
func (m Mode) Validate() error {
	if m != ModeLive && m != ModeTest {
		return fmt.Errorf("invalid gateway mode %q", string(m))
	}
	return nil
}

// Target identifies the remote object of record of a local subscription
type Target struct {
	TransactionID        string // Schedule ID for schedule type subscriptions, Subscription ID otherwise
	RemoteSubscriptionID string // Subscription ID, also set for schedule type once the schedule started
	IsSchedule           bool
}

// CreateParams describes a remote recurring object to be created once the first period was paid
type CreateParams struct {
	LocalID       string            // Local subscription ID, used for idempotency and metadata
	Customer      string            // Gateway customer ID
	Price         string            // Gateway price ID billed each period
	PaymentMethod string            // Gateway payment method charged on renewals
	StartAt       time.Time         // First renewal. The period before it was paid by the originating order
	Iterations    int               // Number of remaining installments. Zero means open-ended
	Metadata      map[string]string // Copied onto the remote object
}

// Client is the remote payment gateway as seen by the core.
// Every method may fail with a *Error.
type Client interface {
	GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	CreateSubscription(ctx context.Context, params CreateParams) (*Subscription, error)
	CreateSchedule(ctx context.Context, params CreateParams) (*Schedule, error)
	// ListRefunds returns every refund of a charge, beyond the page embedded in charge events
	ListRefunds(ctx context.Context, chargeID string) ([]Refund, error)
	// Mutator selects the subscription or schedule flavor of the mutation API for target
	Mutator(target Target) Mutator
}

// Mutator is the common mutation contract shared by plain subscriptions and schedules
type Mutator interface {
	Cancel(ctx context.Context) error
	// CancelAtPeriodEnd returns the remote subscription so the caller can read the period end
	CancelAtPeriodEnd(ctx context.Context) (*Subscription, error)
	Pause(ctx context.Context, resumesAt time.Time) error
	Resume(ctx context.Context) error
	UpdatePaymentMethod(ctx context.Context, paymentMethodID string) error
}

// Clients holds one Client per Mode
type Clients map[Mode]Client

// For returns the Client configured for mode
func (c Clients) For(mode Mode) (Client, error) {
	client, ok := c[mode]
	if !ok || client == nil {
		return nil, fmt.Errorf("no gateway client configured for mode %q", string(mode))
	}
	return client, nil
}

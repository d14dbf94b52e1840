package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"go.uber.org/zap"
)

// StripeOptions contains the configuration for a StripeClient
type StripeOptions struct {
	Key    string
	Mode   Mode
	Logger *zap.Logger

	// Backend overrides the HTTP backends, used to point the client at a mock server
	Backends *stripe.Backends

	// BreakerTimeout is how long the circuit stays open after tripping
	BreakerTimeout time.Duration
	// BreakerFailures is the number of consecutive gateway outages that trip the circuit
	BreakerFailures uint32
}

// StripeClient implements Client on top of the Stripe API
type StripeClient struct {
	StripeOptions
	api     *client.API
	breaker *gobreaker.CircuitBreaker[interface{}]
}

var _ Client = &StripeClient{}

// NewStripeClient returns a Client talking to Stripe with the given secret key
func NewStripeClient(option StripeOptions) (*StripeClient, error) {
	if len(option.Key) == 0 {
		return nil, fmt.Errorf("empty Key is invalid")
	}
	if err := option.Mode.Validate(); err != nil {
		return nil, err
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.BreakerTimeout == 0 {
		option.BreakerTimeout = time.Second * 30
	}
	if option.BreakerFailures == 0 {
		option.BreakerFailures = 5
	}

	sc := &client.API{}
	sc.Init(option.Key, option.Backends)

	logger := option.Logger.With(zap.String("GatewayMode", string(option.Mode)))
	option.Logger = logger

	breaker := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:    "stripe-" + string(option.Mode),
		Timeout: option.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= option.BreakerFailures
		},
		// request errors are the caller's problem, only outages count against the gateway
		IsSuccessful: func(err error) bool {
			var stripeErr *stripe.Error
			if errors.As(err, &stripeErr) {
				return stripeErr.HTTPStatusCode < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Gateway circuit breaker changed state",
				zap.String("Breaker", name),
				zap.String("From", from.String()),
				zap.String("To", to.String()),
			)
		},
	})

	return &StripeClient{
		StripeOptions: option,
		api:           sc,
		breaker:       breaker,
	}, nil
}

func (c *StripeClient) call(op string, fn func() (interface{}, error)) (interface{}, error) {
	res, err := c.breaker.Execute(fn)
	if err != nil {
		c.Logger.Error("Gateway call failed",
			zap.String("Operation", op),
			zap.Error(err),
		)
		return nil, wrapError(op, err)
	}
	return res, nil
}

func params(ctx context.Context) stripe.Params {
	return stripe.Params{
		Context: ctx,
	}
}

func idempotentParams(ctx context.Context, key string) stripe.Params {
	p := params(ctx)
	p.IdempotencyKey = stripe.String(key)
	return p
}

// decodeResource maps a Stripe resource onto the local remote model.
// The raw response body is preferred so expandable fields keep their wire shape.
func decodeResource(res interface{}, raw []byte, out interface{}) error {
	if len(raw) == 0 {
		var err error
		raw, err = json.Marshal(res)
		if err != nil {
			return extErrors.Wrap(err, "Cannot encode gateway resource")
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return extErrors.Wrap(err, "Cannot decode gateway resource")
	}
	return nil
}

func rawJSON(r stripe.APIResource) []byte {
	if r.LastResponse == nil {
		return nil
	}
	return r.LastResponse.RawJSON
}

// GetPaymentIntent fetches the full payment intent instead of trusting a webhook payload
func (c *StripeClient) GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	res, err := c.call("get payment intent", func() (interface{}, error) {
		p := &stripe.PaymentIntentParams{Params: params(ctx)}
		return c.api.PaymentIntents.Get(id, p)
	})
	if err != nil {
		return nil, err
	}
	pi := res.(*stripe.PaymentIntent)
	var out PaymentIntent
	if err := decodeResource(pi, rawJSON(pi.APIResource), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInvoice fetches an invoice by ID
func (c *StripeClient) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	res, err := c.call("get invoice", func() (interface{}, error) {
		p := &stripe.InvoiceParams{Params: params(ctx)}
		return c.api.Invoices.Get(id, p)
	})
	if err != nil {
		return nil, err
	}
	inv := res.(*stripe.Invoice)
	var out Invoice
	if err := decodeResource(inv, rawJSON(inv.APIResource), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSubscription fetches a subscription by ID
func (c *StripeClient) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	res, err := c.call("get subscription", func() (interface{}, error) {
		p := &stripe.SubscriptionParams{Params: params(ctx)}
		return c.api.Subscriptions.Get(id, p)
	})
	if err != nil {
		return nil, err
	}
	return decodeSubscription(res.(*stripe.Subscription))
}

func decodeSubscription(sub *stripe.Subscription) (*Subscription, error) {
	var out Subscription
	if err := decodeResource(sub, rawJSON(sub.APIResource), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSubscription creates a plain recurring subscription whose first charge happens at params.StartAt.
// The period before StartAt was already paid by the originating order, so it is modeled as a trial.
func (c *StripeClient) CreateSubscription(ctx context.Context, cp CreateParams) (*Subscription, error) {
	res, err := c.call("create subscription", func() (interface{}, error) {
		p := &stripe.SubscriptionParams{
			Params:   idempotentParams(ctx, "subscription-create-"+cp.LocalID),
			Customer: stripe.String(cp.Customer),
			Items: []*stripe.SubscriptionItemsParams{
				{
					Price:    stripe.String(cp.Price),
					Quantity: stripe.Int64(1),
				},
			},
			TrialEnd: stripe.Int64(cp.StartAt.Unix()),
		}
		if len(cp.PaymentMethod) > 0 {
			p.DefaultPaymentMethod = stripe.String(cp.PaymentMethod)
		}
		for k, v := range createMetadata(cp) {
			p.AddMetadata(k, v)
		}
		return c.api.Subscriptions.New(p)
	})
	if err != nil {
		return nil, err
	}
	return decodeSubscription(res.(*stripe.Subscription))
}

// CreateSchedule creates a subscription schedule starting at params.StartAt.
// Installment plans end after params.Iterations phases and then cancel.
func (c *StripeClient) CreateSchedule(ctx context.Context, cp CreateParams) (*Schedule, error) {
	res, err := c.call("create schedule", func() (interface{}, error) {
		phase := &stripe.SubscriptionSchedulePhaseParams{
			Items: []*stripe.SubscriptionSchedulePhaseItemParams{
				{
					Price:    stripe.String(cp.Price),
					Quantity: stripe.Int64(1),
				},
			},
		}
		endBehavior := "release"
		if cp.Iterations > 0 {
			phase.Iterations = stripe.Int64(int64(cp.Iterations))
			endBehavior = "cancel"
		}
		p := &stripe.SubscriptionScheduleParams{
			Params:      idempotentParams(ctx, "schedule-create-"+cp.LocalID),
			Customer:    stripe.String(cp.Customer),
			StartDate:   stripe.Int64(cp.StartAt.Unix()),
			EndBehavior: stripe.String(endBehavior),
			Phases:      []*stripe.SubscriptionSchedulePhaseParams{phase},
		}
		if len(cp.PaymentMethod) > 0 {
			p.DefaultSettings = &stripe.SubscriptionScheduleDefaultSettingsParams{
				DefaultPaymentMethod: stripe.String(cp.PaymentMethod),
			}
		}
		for k, v := range createMetadata(cp) {
			p.AddMetadata(k, v)
		}
		return c.api.SubscriptionSchedules.New(p)
	})
	if err != nil {
		return nil, err
	}
	sched := res.(*stripe.SubscriptionSchedule)
	var out Schedule
	if err := decodeResource(sched, rawJSON(sched.APIResource), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRefunds returns every refund of a charge, following pagination
func (c *StripeClient) ListRefunds(ctx context.Context, chargeID string) ([]Refund, error) {
	res, err := c.call("list refunds", func() (interface{}, error) {
		p := &stripe.RefundListParams{
			ListParams: stripe.ListParams{Context: ctx},
			Charge:     stripe.String(chargeID),
		}
		refunds := make([]*stripe.Refund, 0)
		it := c.api.Refunds.List(p)
		for it.Next() {
			refunds = append(refunds, it.Refund())
		}
		if err := it.Err(); err != nil {
			return nil, err
		}
		return refunds, nil
	})
	if err != nil {
		return nil, err
	}
	list := res.([]*stripe.Refund)
	out := make([]Refund, len(list))
	for i, ref := range list {
		if err := decodeResource(ref, nil, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Mutator returns the schedule flavor for schedule targets and the subscription flavor otherwise
func (c *StripeClient) Mutator(target Target) Mutator {
	if target.IsSchedule {
		return &scheduleMutator{
			client: c,
			target: target,
		}
	}
	return &subscriptionMutator{
		client: c,
		id:     target.TransactionID,
	}
}

func createMetadata(cp CreateParams) map[string]string {
	md := make(map[string]string, len(cp.Metadata)+1)
	for k, v := range cp.Metadata {
		md[k] = v
	}
	md[MetadataSubscriptionID] = cp.LocalID
	return md
}

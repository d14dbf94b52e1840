// Package gatewaytest provides an in-memory gateway.Client for tests
package gatewaytest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/zllovesuki/recur/gateway"
)

// Call is one recorded invocation of the Fake
type Call struct {
	Op     string
	Target string
	Args   interface{}
}

// Fake is a gateway.Client that records every call. Objects created through it can be read back.
type Fake struct {
	mu sync.Mutex

	// Errs makes the named operation fail, e.g. Errs["pause"]
	Errs map[string]error

	PaymentIntents map[string]*gateway.PaymentIntent
	Invoices       map[string]*gateway.Invoice
	Subscriptions  map[string]*gateway.Subscription
	Schedules      map[string]*gateway.Schedule
	// Refunds are keyed by charge ID
	Refunds map[string][]gateway.Refund

	calls []Call
	seq   int
}

var _ gateway.Client = &Fake{}

// New returns an empty Fake
func New() *Fake {
	return &Fake{
		Errs:           make(map[string]error),
		PaymentIntents: make(map[string]*gateway.PaymentIntent),
		Invoices:       make(map[string]*gateway.Invoice),
		Subscriptions:  make(map[string]*gateway.Subscription),
		Schedules:      make(map[string]*gateway.Schedule),
		Refunds:        make(map[string][]gateway.Refund),
	}
}

// Missing returns the error the gateway reports for an unknown object
func Missing(op string) error {
	return &gateway.Error{
		Op:         op,
		Code:       "resource_missing",
		Type:       "invalid_request_error",
		Message:    "No such object",
		HTTPStatus: http.StatusNotFound,
		Missing:    true,
	}
}

// Declined returns a card error
func Declined(op string) error {
	return &gateway.Error{
		Op:         op,
		Code:       "card_declined",
		Type:       "card_error",
		Message:    "Your card was declined.",
		HTTPStatus: http.StatusPaymentRequired,
	}
}

// Fail makes op fail with err
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errs[op] = err
}

// Calls returns the recorded calls to op, or every call if op is empty
func (f *Fake) Calls(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := make([]Call, 0, len(f.calls))
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			calls = append(calls, c)
		}
	}
	return calls
}

func (f *Fake) record(op, target string, args interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{
		Op:     op,
		Target: target,
		Args:   args,
	})
	return f.Errs[op]
}

func (f *Fake) nextID(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

// GetPaymentIntent implements gateway.Client
func (f *Fake) GetPaymentIntent(ctx context.Context, id string) (*gateway.PaymentIntent, error) {
	if err := f.record("get_payment_intent", id, nil); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pi, ok := f.PaymentIntents[id]
	if !ok {
		return nil, Missing("get payment intent")
	}
	return pi, nil
}

// GetInvoice implements gateway.Client
func (f *Fake) GetInvoice(ctx context.Context, id string) (*gateway.Invoice, error) {
	if err := f.record("get_invoice", id, nil); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.Invoices[id]
	if !ok {
		return nil, Missing("get invoice")
	}
	return inv, nil
}

// GetSubscription implements gateway.Client
func (f *Fake) GetSubscription(ctx context.Context, id string) (*gateway.Subscription, error) {
	if err := f.record("get_subscription", id, nil); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.Subscriptions[id]
	if !ok {
		return nil, Missing("get subscription")
	}
	return sub, nil
}

// CreateSubscription implements gateway.Client
func (f *Fake) CreateSubscription(ctx context.Context, params gateway.CreateParams) (*gateway.Subscription, error) {
	if err := f.record("create_subscription", params.LocalID, params); err != nil {
		return nil, err
	}
	sub := &gateway.Subscription{
		ID:                   f.nextID("sub"),
		Status:               gateway.SubscriptionStatusTrialing,
		Customer:             gateway.ID(params.Customer),
		DefaultPaymentMethod: gateway.ID(params.PaymentMethod),
		CurrentPeriodStart:   time.Now().Unix(),
		CurrentPeriodEnd:     params.StartAt.Unix(),
		Metadata:             params.Metadata,
	}
	f.mu.Lock()
	f.Subscriptions[sub.ID] = sub
	f.mu.Unlock()
	return sub, nil
}

// CreateSchedule implements gateway.Client
func (f *Fake) CreateSchedule(ctx context.Context, params gateway.CreateParams) (*gateway.Schedule, error) {
	if err := f.record("create_schedule", params.LocalID, params); err != nil {
		return nil, err
	}
	endBehavior := "release"
	if params.Iterations > 0 {
		endBehavior = "cancel"
	}
	sched := &gateway.Schedule{
		ID:          f.nextID("sub_sched"),
		Status:      "not_started",
		Customer:    gateway.ID(params.Customer),
		EndBehavior: endBehavior,
		Metadata:    params.Metadata,
	}
	f.mu.Lock()
	f.Schedules[sched.ID] = sched
	f.mu.Unlock()
	return sched, nil
}

// ListRefunds implements gateway.Client
func (f *Fake) ListRefunds(ctx context.Context, chargeID string) ([]gateway.Refund, error) {
	if err := f.record("list_refunds", chargeID, nil); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	refunds := make([]gateway.Refund, len(f.Refunds[chargeID]))
	copy(refunds, f.Refunds[chargeID])
	return refunds, nil
}

// Mutator implements gateway.Client
func (f *Fake) Mutator(target gateway.Target) gateway.Mutator {
	return &mutator{
		fake:   f,
		target: target,
	}
}

type mutator struct {
	fake   *Fake
	target gateway.Target
}

func (m *mutator) kind() string {
	if m.target.IsSchedule {
		return "schedule"
	}
	return "subscription"
}

func (m *mutator) Cancel(ctx context.Context) error {
	return m.fake.record("cancel", m.target.TransactionID, m.kind())
}

func (m *mutator) CancelAtPeriodEnd(ctx context.Context) (*gateway.Subscription, error) {
	if err := m.fake.record("cancel_at_period_end", m.target.TransactionID, m.kind()); err != nil {
		return nil, err
	}
	id := m.target.RemoteSubscriptionID
	if id == "" {
		id = m.target.TransactionID
	}
	m.fake.mu.Lock()
	defer m.fake.mu.Unlock()
	sub, ok := m.fake.Subscriptions[id]
	if !ok {
		sub = &gateway.Subscription{
			ID:     id,
			Status: gateway.SubscriptionStatusActive,
		}
		m.fake.Subscriptions[id] = sub
	}
	sub.CancelAtPeriodEnd = true
	return sub, nil
}

func (m *mutator) Pause(ctx context.Context, resumesAt time.Time) error {
	return m.fake.record("pause", m.target.TransactionID, resumesAt)
}

func (m *mutator) Resume(ctx context.Context) error {
	return m.fake.record("resume", m.target.TransactionID, m.kind())
}

func (m *mutator) UpdatePaymentMethod(ctx context.Context, paymentMethodID string) error {
	return m.fake.record("update_payment_method", m.target.TransactionID, paymentMethodID)
}

package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/recur/gateway"
)

// ErrMalformedEvent is returned when an authenticated payload is not a gateway event
var ErrMalformedEvent = errors.New("malformed webhook event")

// EventType is a remote event type handled by this service
type EventType string

// Defining every event type a processor can be registered for
const (
	SubscriptionCreated        EventType = "customer.subscription.created"
	SubscriptionUpdated        EventType = "customer.subscription.updated"
	SubscriptionDeleted        EventType = "customer.subscription.deleted"
	ScheduleCanceled           EventType = "subscription_schedule.canceled"
	ScheduleCompleted          EventType = "subscription_schedule.completed"
	InvoicePaid                EventType = "invoice.paid"
	InvoicePaymentFailed       EventType = "invoice.payment_failed"
	PaymentIntentSucceeded     EventType = "payment_intent.succeeded"
	PaymentIntentPaymentFailed EventType = "payment_intent.payment_failed"
	PaymentIntentCanceled      EventType = "payment_intent.canceled"
	PaymentIntentProcessing    EventType = "payment_intent.processing"
	ChargeRefunded             EventType = "charge.refunded"
	ChargeRefundUpdated        EventType = "charge.refund.updated"
)

var knownTypes = map[EventType]struct{}{
	SubscriptionCreated:        {},
	SubscriptionUpdated:        {},
	SubscriptionDeleted:        {},
	ScheduleCanceled:           {},
	ScheduleCompleted:          {},
	InvoicePaid:                {},
	InvoicePaymentFailed:       {},
	PaymentIntentSucceeded:     {},
	PaymentIntentPaymentFailed: {},
	PaymentIntentCanceled:      {},
	PaymentIntentProcessing:    {},
	ChargeRefunded:             {},
	ChargeRefundUpdated:        {},
}

// Known returns true if t is one of the handled event types
func (t EventType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// RemoteEvent is a decoded gateway event
type RemoteEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Livemode   bool      `json:"livemode"`
	Created    int64     `json:"created"`
	APIVersion string    `json:"api_version"`
	Data       struct {
		Object             json.RawMessage `json:"object"`
		PreviousAttributes json.RawMessage `json:"previous_attributes"`
	} `json:"data"`
}

// Decode parses an authenticated payload
func Decode(payload []byte) (*RemoteEvent, error) {
	var e RemoteEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, err.Error())
	}
	if len(e.ID) == 0 || len(e.Type) == 0 {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	if len(e.Data.Object) == 0 {
		return nil, fmt.Errorf("%w: missing data.object", ErrMalformedEvent)
	}
	return &e, nil
}

// DecodeObject unmarshals data.object into v
func (e *RemoteEvent) DecodeObject(v interface{}) error {
	if err := json.Unmarshal(e.Data.Object, v); err != nil {
		return fmt.Errorf("%w: cannot decode %s object: %s", ErrMalformedEvent, e.Type, err.Error())
	}
	return nil
}

// PreviousAttributes returns the attributes that changed in an update event, keyed by field name
func (e *RemoteEvent) PreviousAttributes() map[string]json.RawMessage {
	attrs := make(map[string]json.RawMessage)
	if len(e.Data.PreviousAttributes) == 0 {
		return attrs
	}
	if err := json.Unmarshal(e.Data.PreviousAttributes, &attrs); err != nil {
		return make(map[string]json.RawMessage)
	}
	return attrs
}

// CreatedAt returns when the gateway created the event
func (e *RemoteEvent) CreatedAt() time.Time {
	return gateway.Unix(e.Created)
}

// Delivery is one authenticated event handed to the processors
type Delivery struct {
	Event    *RemoteEvent
	Mode     gateway.Mode // Taken from the endpoint that received the event
	LedgerID uint
}

// Result is what a processor reports for the ledger
type Result struct {
	Status     RequestStatus
	SourceID   string // Local entity the event concerned
	SourceType string
	Notes      string
}

// Processed returns a processed Result for the given local entity
func Processed(sourceType, sourceID string) *Result {
	return &Result{
		Status:     StatusProcessed,
		SourceID:   sourceID,
		SourceType: sourceType,
	}
}

// NotFound returns a record_not_found Result. The event concerns an entity this installation does not own
func NotFound(notes string) *Result {
	return &Result{
		Status: StatusRecordNotFound,
		Notes:  notes,
	}
}

// Deleted returns a record_deleted Result for an entity removed while handling the event
func Deleted(sourceType, sourceID string) *Result {
	return &Result{
		Status:     StatusRecordDeleted,
		SourceID:   sourceID,
		SourceType: sourceType,
	}
}

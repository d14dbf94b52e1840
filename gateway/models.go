package gateway

import (
	"bytes"
	"encoding/json"
	"time"
)

// ID is an expandable reference. The gateway sends either the bare ID string
// or the full object, depending on what was expanded.
type ID string

// UnmarshalJSON accepts "id", {"id": "..."} and null
func (i *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*i = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*i = ID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*i = ID(obj.ID)
	return nil
}

func (i ID) String() string {
	return string(i)
}

// Remote subscription statuses
const (
	SubscriptionStatusActive            = "active"
	SubscriptionStatusPastDue           = "past_due"
	SubscriptionStatusUnpaid            = "unpaid"
	SubscriptionStatusCanceled          = "canceled"
	SubscriptionStatusIncomplete        = "incomplete"
	SubscriptionStatusIncompleteExpired = "incomplete_expired"
	SubscriptionStatusTrialing          = "trialing"
	SubscriptionStatusPaused            = "paused"
)

// PaymentIntentStatusSucceeded is the status of a fully paid payment intent
const PaymentIntentStatusSucceeded = "succeeded"

// Remote refund statuses
const (
	RefundStatusPending   = "pending"
	RefundStatusSucceeded = "succeeded"
	RefundStatusFailed    = "failed"
	RefundStatusCanceled  = "canceled"
)

// Metadata keys written on remote objects created by this service
const (
	MetadataOrderID        = "order_id"
	MetadataOrderItemID    = "order_item_id"
	MetadataSubscriptionID = "subscription_id"
	MetadataRefundID       = "refund_id"
)

// PauseCollection is set on a remote subscription while its payment collection is paused
type PauseCollection struct {
	Behavior  string `json:"behavior"`
	ResumesAt int64  `json:"resumes_at"`
}

// Subscription is the remote recurring subscription object
type Subscription struct {
	ID                   string            `json:"id"`
	Status               string            `json:"status"`
	Customer             ID                `json:"customer"`
	Schedule             ID                `json:"schedule"`
	DefaultPaymentMethod ID                `json:"default_payment_method"`
	CancelAtPeriodEnd    bool              `json:"cancel_at_period_end"`
	CancelAt             int64             `json:"cancel_at"`
	CanceledAt           int64             `json:"canceled_at"`
	EndedAt              int64             `json:"ended_at"`
	CurrentPeriodStart   int64             `json:"current_period_start"`
	CurrentPeriodEnd     int64             `json:"current_period_end"`
	PauseCollection      *PauseCollection  `json:"pause_collection"`
	Metadata             map[string]string `json:"metadata"`
	Livemode             bool              `json:"livemode"`
}

// IsPaused returns true if the remote subscription currently pauses collection
func (s *Subscription) IsPaused() bool {
	return s.PauseCollection != nil || s.Status == SubscriptionStatusPaused
}

// PeriodEnd returns the end of the current period, or the zero time if unknown
func (s *Subscription) PeriodEnd() time.Time {
	return Unix(s.CurrentPeriodEnd)
}

// Schedule is the remote subscription schedule object, used for installment and future dated plans
type Schedule struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Customer     ID                `json:"customer"`
	Subscription ID                `json:"subscription"`
	EndBehavior  string            `json:"end_behavior"`
	Metadata     map[string]string `json:"metadata"`
	Livemode     bool              `json:"livemode"`
}

// Invoice is the remote invoice object
type Invoice struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	Subscription  ID                `json:"subscription"`
	Customer      ID                `json:"customer"`
	PaymentIntent ID                `json:"payment_intent"`
	Charge        ID                `json:"charge"`
	AmountDue     int64             `json:"amount_due"`
	AmountPaid    int64             `json:"amount_paid"`
	Currency      string            `json:"currency"`
	BillingReason string            `json:"billing_reason"`
	Created       int64             `json:"created"`
	PeriodEnd     int64             `json:"period_end"`
	Metadata      map[string]string `json:"metadata"`
	Livemode      bool              `json:"livemode"`
}

// PaymentError carries the reason of the last failed payment attempt
type PaymentError struct {
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

// PaymentIntent is the remote payment intent object
type PaymentIntent struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	AmountReceived   int64             `json:"amount_received"`
	Currency         string            `json:"currency"`
	Customer         ID                `json:"customer"`
	PaymentMethod    ID                `json:"payment_method"`
	Invoice          ID                `json:"invoice"`
	LatestCharge     ID                `json:"latest_charge"`
	LastPaymentError *PaymentError     `json:"last_payment_error"`
	Metadata         map[string]string `json:"metadata"`
	Created          int64             `json:"created"`
	Livemode         bool              `json:"livemode"`
}

// Refund is the remote refund object
type Refund struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Reason        string            `json:"reason"`
	Charge        ID                `json:"charge"`
	PaymentIntent ID                `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
	Created       int64             `json:"created"`
}

// RefundList is the embedded list of refunds on a charge. It holds the first page only.
type RefundList struct {
	Data    []Refund `json:"data"`
	HasMore bool     `json:"has_more"`
}

// Charge is the remote charge object
type Charge struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Refunded       bool              `json:"refunded"`
	PaymentIntent  ID                `json:"payment_intent"`
	Invoice        ID                `json:"invoice"`
	Refunds        *RefundList       `json:"refunds"`
	Metadata       map[string]string `json:"metadata"`
}

// Unix converts a gateway timestamp to UTC, returning the zero time for 0
func Unix(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

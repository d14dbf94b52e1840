package subscription

import (
	"time"

	"github.com/zllovesuki/recur/billing"
	"github.com/zllovesuki/recur/gateway"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Subscription is a recurring billing relationship between a customer and the gateway.
// All timestamps are stored in UTC.
type Subscription struct {
	ID                     string `json:"id" gorm:"primaryKey" validate:"required"`
	TransactionID          string `json:"transactionId" gorm:"index"`        // Remote object of record: the schedule ID for schedule type, the subscription ID otherwise. Set exactly once
	RemoteSubscriptionID   string `json:"remoteSubscriptionId" gorm:"index"` // Remote subscription ID. For schedule type this is known once the schedule started
	RemoteScheduleID       string `json:"remoteScheduleId" gorm:"index"`     // Remote schedule ID, schedule type only
	RemoteCustomerID       string `json:"remoteCustomerId"`                  // Gateway customer the remote object bills
	RemotePriceID          string `json:"remotePriceId"`                     // Gateway price billed each period
	PaymentMethodID        string `json:"paymentMethodId"`                   // Gateway payment method charged on renewals
	PendingPaymentMethodID string `json:"pendingPaymentMethodId"`            // Override applied on the next successful renewal
	FirstOrderID           string `json:"firstOrderId" gorm:"index" validate:"required"`
	FirstOrderItemID       string `json:"firstOrderItemId"`
	CustomerID             string `json:"customerId" gorm:"index" validate:"required"`

	Period          billing.Period  `json:"period" validate:"required,oneof=day week month year"`
	Frequency       int             `json:"frequency" validate:"gte=1"`
	BillingTotal    *int            `json:"billingTotal" validate:"omitempty,gte=1"` // Only set for installment plans
	BilledCount     int             `json:"billedCount" validate:"gte=0"`
	InitialAmount   decimal.Decimal `json:"initialAmount" gorm:"type:numeric"`
	RecurringAmount decimal.Decimal `json:"recurringAmount" gorm:"type:numeric"`
	CurrencyCode    string          `json:"currencyCode" validate:"required,len=3"`

	StartedAt        *time.Time `json:"startedAt"`
	NextBillingAt    *time.Time `json:"nextBillingAt"`
	TrialStartedAt   *time.Time `json:"trialStartedAt"`
	TrialEndedAt     *time.Time `json:"trialEndedAt"`
	SuspendedAt      *time.Time `json:"suspendedAt"`
	ResumedAt        *time.Time `json:"resumedAt"`
	ResumesAt        *time.Time `json:"resumesAt"` // Scheduled resume
	PauseAtPeriodEnd bool       `json:"pauseAtPeriodEnd"`
	CanceledAt       *time.Time `json:"canceledAt"`
	ExpiresAt        *time.Time `json:"expiresAt"` // Set by cancel at period end. Billing stops at this instant
	EndedAt          *time.Time `json:"endedAt"`
	RemoteEventAt    *time.Time `json:"remoteEventAt"` // Creation time of the newest remote update applied
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`

	Status               Status       `json:"status" gorm:"index" validate:"required,oneof=pending active past_due paused suspended canceled completed"`
	PaymentGatewayMode   gateway.Mode `json:"paymentGatewayMode" gorm:"index" validate:"required,oneof=live test"`
	Source               Source       `json:"source" validate:"omitempty,oneof=checkout manual"`
	IsScheduleType       bool         `json:"isScheduleType"`
	LastRenewalInvoiceID string       `json:"lastRenewalInvoiceId"`
}

// Renewal records that the invoice with InvoiceID was counted against a subscription.
// It is written in the same transaction as the BilledCount increment.
type Renewal struct {
	InvoiceID      string    `json:"invoiceId" gorm:"primaryKey"`
	SubscriptionID string    `json:"subscriptionId" gorm:"index"`
	OrderID        string    `json:"orderId"`
	BilledCount    int       `json:"billedCount"`
	PaidAt         time.Time `json:"paidAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

// BeforeSave normalizes every timestamp to UTC
func (s *Subscription) BeforeSave(tx *gorm.DB) error {
	for _, t := range []**time.Time{
		&s.StartedAt, &s.NextBillingAt, &s.TrialStartedAt, &s.TrialEndedAt,
		&s.SuspendedAt, &s.ResumedAt, &s.ResumesAt, &s.CanceledAt, &s.ExpiresAt, &s.EndedAt, &s.RemoteEventAt,
	} {
		if *t != nil {
			*t = utc(**t)
		}
	}
	return nil
}

// Target returns the remote object of record used to select the gateway mutation flavor
func (s *Subscription) Target() gateway.Target {
	return gateway.Target{
		TransactionID:        s.TransactionID,
		RemoteSubscriptionID: s.RemoteSubscriptionID,
		IsSchedule:           s.IsScheduleType,
	}
}

// IsTerminal returns true for canceled and completed subscriptions
func (s *Subscription) IsTerminal() bool {
	return s.Status == StatusCanceled || s.Status == StatusCompleted
}

// IsInstallment returns true for fixed-installment plans
func (s *Subscription) IsInstallment() bool {
	return s.BillingTotal != nil
}

// IsInstallmentComplete returns true once every installment was billed
func (s *Subscription) IsInstallmentComplete() bool {
	return s.IsInstallment() && s.BilledCount >= *s.BillingTotal
}

// RemainingInstallments returns the number of charges left on an installment plan, or zero for open-ended plans
func (s *Subscription) RemainingInstallments() int {
	if !s.IsInstallment() || s.IsInstallmentComplete() {
		return 0
	}
	return *s.BillingTotal - s.BilledCount
}

// EndDate returns when the subscription stops billing, or nil if it is open-ended
func (s *Subscription) EndDate() *time.Time {
	if s.ExpiresAt != nil {
		return s.ExpiresAt
	}
	if s.IsInstallment() && s.StartedAt != nil {
		end, err := billing.NextBillingDate(*s.StartedAt, s.Period, s.Frequency*(*s.BillingTotal))
		if err != nil {
			return nil
		}
		return &end
	}
	return nil
}

// HasEndDate returns true if the subscription will stop billing at a known instant
func (s *Subscription) HasEndDate() bool {
	return s.EndDate() != nil
}

// IsPaused returns true while the subscription does not bill because of a pause
func (s *Subscription) IsPaused() bool {
	return s.Status == StatusPaused || s.Status == StatusSuspended
}

// CanCancel returns true unless the subscription already reached a terminal state
func (s *Subscription) CanCancel() bool {
	return !s.IsTerminal()
}

// CanPause returns false for installment plans, whose end must stay deterministic,
// and while the subscription is already paused or scheduled to stop
func (s *Subscription) CanPause() bool {
	if s.IsInstallment() {
		return false
	}
	if s.Status != StatusActive {
		return false
	}
	return s.ExpiresAt == nil && !s.PauseAtPeriodEnd
}

// CanResume returns true while paused or scheduled to pause/resume
func (s *Subscription) CanResume() bool {
	if s.IsTerminal() {
		return false
	}
	return s.IsPaused() || s.PauseAtPeriodEnd || s.ResumesAt != nil
}

// CanUpdatePaymentMethod requires the remote object to exist
func (s *Subscription) CanUpdatePaymentMethod() bool {
	return len(s.TransactionID) > 0 && !s.IsTerminal()
}

// EffectiveState returns StatusPendingCancellation for an active subscription scheduled to end,
// the stored Status otherwise
func (s *Subscription) EffectiveState() Status {
	if s.Status == StatusActive && s.ExpiresAt != nil {
		return StatusPendingCancellation
	}
	return s.Status
}

// IsBillableAt returns true if the subscription still charges for the instant t
func (s *Subscription) IsBillableAt(t time.Time) bool {
	switch s.Status {
	case StatusActive, StatusPastDue:
	default:
		return false
	}
	if s.ExpiresAt != nil && !t.Before(*s.ExpiresAt) {
		return false
	}
	return true
}

func utc(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

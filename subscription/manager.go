package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/recur/gateway"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var validate *validator.Validate = validator.New()

// ManagerOptions contains the configuration for the subscription Manager
type ManagerOptions struct {
	DB       *gorm.DB
	Logger   *zap.Logger
	Notifier *Notifier        // A new Notifier is created if nil
	Clock    func() time.Time // Defaults to time.Now
	// TxOptions is used for every read-modify-write. Defaults to serializable isolation
	TxOptions *sql.TxOptions
}

// Manager is the subscription repository. Every mutation is a locked read-modify-write
// that re-evaluates the transition guard against the freshly loaded row.
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for subscriptions
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Notifier == nil {
		option.Notifier = NewNotifier(option.Logger)
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	if option.TxOptions == nil {
		option.TxOptions = &sql.TxOptions{
			Isolation: sql.LevelSerializable,
		}
	}
	if err := option.DB.AutoMigrate(&Subscription{}, &Renewal{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize subscription.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

func (m *Manager) now() time.Time {
	return m.Clock().UTC()
}

func validateSubscription(sub *Subscription) error {
	if err := validate.Struct(sub); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	if sub.IsInstallment() && sub.BilledCount > *sub.BillingTotal {
		return fmt.Errorf("%w: billed count %d exceeds billing total %d", ErrValidation, sub.BilledCount, *sub.BillingTotal)
	}
	if sub.NextBillingAt == nil && !sub.IsTerminal() && sub.Status != StatusSuspended {
		return fmt.Errorf("%w: next billing date is required while %s", ErrValidation, sub.Status)
	}
	return nil
}

// isExpected returns true for errors that are part of normal operation and should not be logged as failures
func isExpected(err error) bool {
	return errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTransactionIDSet) ||
		errors.Is(err, ErrHasRemoteObject) ||
		errors.Is(err, ErrStaleEvent)
}

func invalidTransition(sub *Subscription, op string) error {
	return fmt.Errorf("%w: cannot %s a subscription that is %s", ErrInvalidTransition, op, sub.EffectiveState())
}

// Insert creates a new subscription. ID and Status default to a new UUID and pending.
func (m *Manager) Insert(ctx context.Context, sub *Subscription) error {
	if len(sub.ID) == 0 {
		sub.ID = uuid.New().String()
	}
	if len(sub.Status) == 0 {
		sub.Status = StatusPending
	}
	if sub.NextBillingAt == nil && !sub.IsTerminal() && sub.Status != StatusSuspended {
		anchor := m.now()
		if sub.StartedAt != nil {
			anchor = *sub.StartedAt
		}
		next, err := nextBillingDate(anchor, sub)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}
		sub.NextBillingAt = &next
	}
	if err := validateSubscription(sub); err != nil {
		return err
	}

	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.Notifier.before(ctx, Notification{
			Event:        EventCreating,
			Subscription: sub,
			To:           sub.Status,
			Tx:           tx,
		}); err != nil {
			return err
		}
		return tx.Create(sub).Error
	}, m.TxOptions)
	if err != nil {
		m.Logger.Error("Unable to create new subscription in database",
			zap.Error(err),
		)
		return extErrors.Wrap(err, "Cannot create subscription")
	}

	m.Notifier.after(ctx, Notification{
		Event:        EventCreated,
		Subscription: sub,
		To:           sub.Status,
	})
	return nil
}

// Delete hard-deletes a subscription that never got a remote object. Used for orphan cleanup only.
func (m *Manager) Delete(ctx context.Context, id string) error {
	var current Subscription
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "id = ?", id)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return ErrSubscriptionNotFound
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}
		if len(current.TransactionID) > 0 {
			return ErrHasRemoteObject
		}
		if err := m.Notifier.before(ctx, Notification{
			Event:        EventDeleting,
			Subscription: &current,
			From:         current.Status,
			Tx:           tx,
		}); err != nil {
			return err
		}
		return tx.Delete(&current).Error
	}, m.TxOptions)
	if err != nil {
		if !isExpected(err) {
			m.Logger.Error("Unable to delete subscription",
				zap.String("SubscriptionID", id),
				zap.Error(err),
			)
		}
		return extErrors.Wrap(err, "Cannot delete subscription")
	}

	m.Notifier.after(ctx, Notification{
		Event:        EventDeleted,
		Subscription: &current,
		From:         current.Status,
	})
	return nil
}

// LambdaUpdateFunc is used when transaction is required for update. Return value determines if Manager should commit the changes.
// desired starts as a copy of current; returning an error aborts the transaction.
type LambdaUpdateFunc func(current *Subscription, desired *Subscription) (shouldSave bool, err error)

type txUpdateFunc func(tx *gorm.DB, current *Subscription, desired *Subscription) (shouldSave bool, err error)

// LambdaUpdate will perform a transactional update based on the lambda function.
// The selected Subscription will be locked with FOR UPDATE. If the lambda does not signal shouldSave,
// the current state is returned unchanged.
func (m *Manager) LambdaUpdate(ctx context.Context, id string, lambda LambdaUpdateFunc) (*Subscription, error) {
	return m.update(ctx, id, func(_ *gorm.DB, current, desired *Subscription) (bool, error) {
		return lambda(current, desired)
	})
}

func (m *Manager) update(ctx context.Context, id string, lambda txUpdateFunc) (*Subscription, error) {
	var current, desired Subscription
	var saved bool
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "id = ?", id)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return ErrSubscriptionNotFound
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}

		desired = current
		shouldSave, err := lambda(tx, &current, &desired)
		if err != nil {
			return err
		}
		if !shouldSave {
			return nil
		}

		desired.ID = current.ID
		if err := validateSubscription(&desired); err != nil {
			return err
		}

		n := Notification{
			Event:        EventUpdating,
			Subscription: &desired,
			Previous:     &current,
			From:         current.Status,
			To:           desired.Status,
			Tx:           tx,
		}
		if err := m.Notifier.before(ctx, n); err != nil {
			return err
		}
		if current.Status != desired.Status {
			n.Event = EventStatusChanging
			if err := m.Notifier.before(ctx, n); err != nil {
				return err
			}
		}

		if saveRes := tx.Save(&desired); saveRes.Error != nil {
			return saveRes.Error
		}
		saved = true
		return nil
	}, m.TxOptions)
	if err != nil {
		if !isExpected(err) {
			m.Logger.Error("Unable to update subscription",
				zap.String("SubscriptionID", id),
				zap.Error(err),
			)
		}
		return nil, err
	}
	if !saved {
		return &current, nil
	}

	n := Notification{
		Event:        EventUpdated,
		Subscription: &desired,
		Previous:     &current,
		From:         current.Status,
		To:           desired.Status,
	}
	m.Notifier.after(ctx, n)
	if current.Status != desired.Status {
		n.Event = EventStatusChanged
		m.Notifier.after(ctx, n)
	}
	return &desired, nil
}

// Update applies fn to the locked subscription and saves it. The remote object of record cannot be replaced.
func (m *Manager) Update(ctx context.Context, id string, fn func(sub *Subscription) error) (*Subscription, error) {
	return m.LambdaUpdate(ctx, id, func(current, desired *Subscription) (bool, error) {
		if err := fn(desired); err != nil {
			return false, err
		}
		if len(current.TransactionID) > 0 && desired.TransactionID != current.TransactionID {
			return false, ErrTransactionIDSet
		}
		return true, nil
	})
}

// Cancel transitions the subscription to canceled immediately
func (m *Manager) Cancel(ctx context.Context, id string) (*Subscription, error) {
	return m.LambdaUpdate(ctx, id, func(current, desired *Subscription) (bool, error) {
		if current.Status == StatusCanceled {
			return false, nil
		}
		if !current.CanCancel() {
			return false, invalidTransition(current, "cancel")
		}
		now := m.now()
		desired.Status = StatusCanceled
		if desired.CanceledAt == nil {
			desired.CanceledAt = &now
		}
		desired.EndedAt = &now
		desired.NextBillingAt = nil
		desired.PauseAtPeriodEnd = false
		desired.ResumesAt = nil
		return true, nil
	})
}

// CancelAtPeriodEnd schedules the subscription to end at periodEnd without changing its status.
// A zero periodEnd uses the next billing date. The canceled transition happens when the remote
// object is deleted at that instant.
func (m *Manager) CancelAtPeriodEnd(ctx context.Context, id string, periodEnd time.Time) (*Subscription, error) {
	return m.LambdaUpdate(ctx, id, func(current, desired *Subscription) (bool, error) {
		if !current.CanCancel() {
			return false, invalidTransition(current, "cancel")
		}
		end := periodEnd
		if end.IsZero() {
			if current.NextBillingAt == nil {
				return false, fmt.Errorf("%w: no period end to cancel at", ErrValidation)
			}
			end = *current.NextBillingAt
		}
		end = end.UTC()
		if current.ExpiresAt != nil && current.ExpiresAt.Equal(end) {
			return false, nil
		}
		now := m.now()
		desired.ExpiresAt = &end
		desired.CanceledAt = &now
		desired.PauseAtPeriodEnd = false
		desired.ResumesAt = nil
		return true, nil
	})
}

// Suspend stops billing immediately. A nil resumesAt suspends indefinitely.
func (m *Manager) Suspend(ctx context.Context, id string, resumesAt *time.Time) (*Subscription, error) {
	return m.LambdaUpdate(ctx, id, func(current, desired *Subscription) (bool, error) {
		if current.Status == StatusSuspended {
			return false, nil
		}
		switch current.Status {
		case StatusActive, StatusPastDue, StatusPaused:
		default:
			return false, invalidTransition(current, "suspend")
		}
		if current.IsInstallment() {
			return false, invalidTransition(current, "suspend")
		}
		now := m.now()
		desired.Status = StatusSuspended
		desired.SuspendedAt = &now
		desired.PauseAtPeriodEnd = false
		desired.ResumesAt = resumesAt
		if resumesAt == nil {
			desired.NextBillingAt = nil
		}
		return true, nil
	})
}

// Pause transitions an active subscription to paused. resumesAt may be nil when the remote side paused without one.
func (m *Manager) Pause(ctx context.Context, id string, resumesAt *time.Time) (*Subscription, error) {
	return m.LambdaUpdate(ctx, id, func(current, desired *Subscription) (bool, error) {
		if current.Status == StatusPaused {
			return false, nil
		}
		if !current.CanPause() {
			return false, invalidTransition(current, "pause")
		}
		now := m.now()
		desired.Status = StatusPaused
		desired.SuspendedAt = &now
		desired.ResumesAt = resumesAt
		return true, nil
	})
}

// PauseAtPeriodEnd schedules a pause for the end of the current period without changing the status
func (m *Manager) PauseAtPeriodEnd(ctx context.Context, id string, resumesAt *time.Time) (*Subscription, error) {
	return m.LambdaUpdate(ctx, id, func(current, desired *Subscription) (bool, error) {
		if current.PauseAtPeriodEnd {
			return false, nil
		}
		if !current.CanPause() {
			return false, invalidTransition(current, "pause")
		}
		desired.PauseAtPeriodEnd = true
		desired.ResumesAt = resumesAt
		return true, nil
	})
}

// Resume reactivates a paused or suspended subscription, or withdraws a scheduled pause.
// The next billing date is kept when still in the future and restarted from today otherwise.
func (m *Manager) Resume(ctx context.Context, id string) (*Subscription, error) {
	return m.LambdaUpdate(ctx, id, func(current, desired *Subscription) (bool, error) {
		if !current.CanResume() {
			if current.Status == StatusActive {
				return false, nil
			}
			return false, invalidTransition(current, "resume")
		}
		if err := m.reactivate(current, desired); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (m *Manager) reactivate(current, desired *Subscription) error {
	desired.PauseAtPeriodEnd = false
	desired.ResumesAt = nil
	if !current.IsPaused() {
		return nil
	}
	now := m.now()
	next, err := resumeBillingDate(now, current)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	desired.Status = StatusActive
	desired.ResumedAt = &now
	desired.NextBillingAt = &next
	return nil
}

// Complete transitions an installment plan whose every installment was billed to completed
func (m *Manager) Complete(ctx context.Context, id string) (*Subscription, error) {
	return m.LambdaUpdate(ctx, id, func(current, desired *Subscription) (bool, error) {
		if current.Status == StatusCompleted {
			return false, nil
		}
		if current.IsTerminal() || !current.IsInstallmentComplete() {
			return false, invalidTransition(current, "complete")
		}
		now := m.now()
		desired.Status = StatusCompleted
		desired.EndedAt = &now
		desired.NextBillingAt = nil
		desired.PauseAtPeriodEnd = false
		desired.ResumesAt = nil
		return true, nil
	})
}

// Activate transitions a pending, past due, paused or suspended subscription to active
func (m *Manager) Activate(ctx context.Context, id string) (*Subscription, error) {
	return m.LambdaUpdate(ctx, id, func(current, desired *Subscription) (bool, error) {
		switch current.Status {
		case StatusActive:
			return false, nil
		case StatusPending:
			if desired.StartedAt == nil {
				now := m.now()
				desired.StartedAt = &now
			}
		case StatusPastDue:
		case StatusPaused, StatusSuspended:
			if err := m.reactivate(current, desired); err != nil {
				return false, err
			}
		default:
			return false, invalidTransition(current, "activate")
		}
		desired.Status = StatusActive
		return true, nil
	})
}

// MarkPastDue transitions an active subscription to past due. If the subscription was
// resumed after its scheduled date, the next billing date is anchored on the resume date.
func (m *Manager) MarkPastDue(ctx context.Context, id string) (*Subscription, error) {
	return m.LambdaUpdate(ctx, id, func(current, desired *Subscription) (bool, error) {
		if current.Status == StatusPastDue {
			return false, nil
		}
		if current.Status != StatusActive {
			return false, invalidTransition(current, "mark past due")
		}
		desired.Status = StatusPastDue
		if current.ResumedAt != nil && (current.NextBillingAt == nil || current.NextBillingAt.Before(*current.ResumedAt)) {
			next, err := nextBillingDate(*current.ResumedAt, current)
			if err != nil {
				return false, fmt.Errorf("%w: %s", ErrValidation, err.Error())
			}
			desired.NextBillingAt = &next
		}
		return true, nil
	})
}

// SetTransactionID records the remote object of record. It can be set exactly once.
func (m *Manager) SetTransactionID(ctx context.Context, id string, transactionID string) (*Subscription, error) {
	if len(transactionID) == 0 {
		return nil, fmt.Errorf("%w: empty transaction id", ErrValidation)
	}
	return m.LambdaUpdate(ctx, id, func(current, desired *Subscription) (bool, error) {
		if current.TransactionID == transactionID {
			return false, nil
		}
		if len(current.TransactionID) > 0 {
			return false, ErrTransactionIDSet
		}
		desired.TransactionID = transactionID
		if current.IsScheduleType {
			if len(desired.RemoteScheduleID) == 0 {
				desired.RemoteScheduleID = transactionID
			}
		} else if len(desired.RemoteSubscriptionID) == 0 {
			desired.RemoteSubscriptionID = transactionID
		}
		return true, nil
	})
}

// RemoteObject carries identifiers learned from the gateway. Empty fields are ignored.
type RemoteObject struct {
	SubscriptionID  string
	ScheduleID      string
	CustomerID      string
	PriceID         string
	PaymentMethodID string
}

// SetRemoteObject fills in remote identifiers that are still unknown locally
func (m *Manager) SetRemoteObject(ctx context.Context, id string, remote RemoteObject) (*Subscription, error) {
	return m.LambdaUpdate(ctx, id, func(current, desired *Subscription) (bool, error) {
		changed := false
		fill := func(dst *string, src string) {
			if len(*dst) == 0 && len(src) > 0 {
				*dst = src
				changed = true
			}
		}
		fill(&desired.RemoteSubscriptionID, remote.SubscriptionID)
		fill(&desired.RemoteScheduleID, remote.ScheduleID)
		fill(&desired.RemoteCustomerID, remote.CustomerID)
		fill(&desired.RemotePriceID, remote.PriceID)
		fill(&desired.PaymentMethodID, remote.PaymentMethodID)
		return changed, nil
	})
}

// RenewalOptions describes a paid renewal invoice
type RenewalOptions struct {
	InvoiceID string
	OrderID   string    // Renewal order created for the invoice
	PaidAt    time.Time // Used as the anchor when no next billing date is known
}

// RecordRenewal counts a paid invoice against the subscription: it advances BilledCount and NextBillingAt,
// applies a pending payment method and transitions to active. An invoice is only ever counted once;
// applied is false when it was already recorded.
func (m *Manager) RecordRenewal(ctx context.Context, id string, opt RenewalOptions) (sub *Subscription, applied bool, err error) {
	if len(opt.InvoiceID) == 0 {
		return nil, false, fmt.Errorf("%w: empty invoice id", ErrValidation)
	}
	sub, err = m.update(ctx, id, func(tx *gorm.DB, current, desired *Subscription) (bool, error) {
		var existing Renewal
		lookupRes := tx.First(&existing, "invoice_id = ?", opt.InvoiceID)
		if lookupRes.Error == nil {
			return false, nil
		}
		if !errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return false, lookupRes.Error
		}
		if current.IsTerminal() || current.IsInstallmentComplete() {
			return false, invalidTransition(current, "renew")
		}

		paidAt := opt.PaidAt.UTC()
		if paidAt.IsZero() {
			paidAt = m.now()
		}
		anchor := paidAt
		if current.NextBillingAt != nil {
			anchor = *current.NextBillingAt
		}
		next, err := nextBillingDate(anchor, current)
		if err != nil {
			return false, fmt.Errorf("%w: %s", ErrValidation, err.Error())
		}
		if !next.After(paidAt) {
			next, err = nextBillingDate(paidAt, current)
			if err != nil {
				return false, fmt.Errorf("%w: %s", ErrValidation, err.Error())
			}
		}

		desired.BilledCount = current.BilledCount + 1
		desired.NextBillingAt = &next
		desired.LastRenewalInvoiceID = opt.InvoiceID
		if len(current.PendingPaymentMethodID) > 0 {
			desired.PaymentMethodID = current.PendingPaymentMethodID
			desired.PendingPaymentMethodID = ""
		}
		if current.Status == StatusPending && desired.StartedAt == nil {
			desired.StartedAt = &paidAt
		}
		if current.IsPaused() {
			desired.ResumedAt = &paidAt
			desired.ResumesAt = nil
		}
		desired.Status = StatusActive

		renewal := Renewal{
			InvoiceID:      opt.InvoiceID,
			SubscriptionID: current.ID,
			OrderID:        opt.OrderID,
			BilledCount:    desired.BilledCount,
			PaidAt:         paidAt,
		}
		if err := tx.Create(&renewal).Error; err != nil {
			return false, extErrors.Wrap(err, "Cannot record renewal")
		}
		applied = true
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	return sub, applied, nil
}

// RemoteState is the subset of the remote subscription reconciled by ApplyRemoteState
type RemoteState struct {
	CancelAtPeriodEnd bool
	PeriodEnd         time.Time
	PaymentMethodID   string
	CustomerID        string

	// EventAt is when the remote update was created. Zero skips the ordering check
	EventAt time.Time
}

// ApplyRemoteState reconciles the cancel-at-period-end flag and the remote identifiers.
// A cancellation withdrawn on the remote side clears ExpiresAt and CanceledAt.
// An update created before the last applied one fails with ErrStaleEvent and changes nothing.
func (m *Manager) ApplyRemoteState(ctx context.Context, id string, remote RemoteState) (*Subscription, error) {
	return m.LambdaUpdate(ctx, id, func(current, desired *Subscription) (bool, error) {
		if current.IsTerminal() {
			return false, nil
		}
		changed := false
		if !remote.EventAt.IsZero() {
			at := remote.EventAt.UTC()
			if current.RemoteEventAt != nil && at.Before(*current.RemoteEventAt) {
				return false, fmt.Errorf("%w: created %s, last applied %s", ErrStaleEvent,
					at.Format(time.RFC3339), current.RemoteEventAt.Format(time.RFC3339))
			}
			if current.RemoteEventAt == nil || at.After(*current.RemoteEventAt) {
				desired.RemoteEventAt = &at
				changed = true
			}
		}
		switch {
		case remote.CancelAtPeriodEnd && current.ExpiresAt == nil && !remote.PeriodEnd.IsZero():
			now := m.now()
			end := remote.PeriodEnd.UTC()
			desired.ExpiresAt = &end
			desired.CanceledAt = &now
			desired.PauseAtPeriodEnd = false
			desired.ResumesAt = nil
			changed = true
		case !remote.CancelAtPeriodEnd && current.ExpiresAt != nil && current.Status == StatusActive:
			desired.ExpiresAt = nil
			desired.CanceledAt = nil
			changed = true
		}
		if len(remote.PaymentMethodID) > 0 && remote.PaymentMethodID != current.PaymentMethodID && len(current.PendingPaymentMethodID) == 0 {
			desired.PaymentMethodID = remote.PaymentMethodID
			changed = true
		}
		if len(remote.CustomerID) > 0 && len(current.RemoteCustomerID) == 0 {
			desired.RemoteCustomerID = remote.CustomerID
			changed = true
		}
		return changed, nil
	})
}

// SetPendingPaymentMethod records a payment method to be applied on the next successful renewal
func (m *Manager) SetPendingPaymentMethod(ctx context.Context, id string, paymentMethodID string) (*Subscription, error) {
	return m.LambdaUpdate(ctx, id, func(current, desired *Subscription) (bool, error) {
		if !current.CanUpdatePaymentMethod() {
			return false, invalidTransition(current, "update the payment method of")
		}
		if current.PendingPaymentMethodID == paymentMethodID || current.PaymentMethodID == paymentMethodID {
			return false, nil
		}
		desired.PendingPaymentMethodID = paymentMethodID
		return true, nil
	})
}

// Get returns the subscription with the given ID, or nil if it does not exist
func (m *Manager) Get(ctx context.Context, id string) (*Subscription, error) {
	return m.first(ctx, "Cannot get subscription by id", m.DB.Where("id = ?", id))
}

// GetByTransactionID returns the subscription whose remote object of record is transactionID
func (m *Manager) GetByTransactionID(ctx context.Context, mode gateway.Mode, transactionID string) (*Subscription, error) {
	return m.first(ctx, "Cannot get subscription by transaction id", m.DB.
		Where("payment_gateway_mode = ?", mode).
		Where("transaction_id = ?", transactionID))
}

// GetByRemoteSubscriptionID resolves a remote subscription, including the one started by a schedule
func (m *Manager) GetByRemoteSubscriptionID(ctx context.Context, mode gateway.Mode, remoteID string) (*Subscription, error) {
	return m.first(ctx, "Cannot get subscription by remote subscription id", m.DB.
		Where("payment_gateway_mode = ?", mode).
		Where("(remote_subscription_id = ? OR transaction_id = ?)", remoteID, remoteID))
}

// GetByRemoteScheduleID resolves a remote schedule
func (m *Manager) GetByRemoteScheduleID(ctx context.Context, mode gateway.Mode, scheduleID string) (*Subscription, error) {
	return m.first(ctx, "Cannot get subscription by remote schedule id", m.DB.
		Where("payment_gateway_mode = ?", mode).
		Where("(remote_schedule_id = ? OR (transaction_id = ? AND is_schedule_type = ?))", scheduleID, scheduleID, true))
}

// PendingLookup identifies a pending subscription from the metadata of its remote object
type PendingLookup struct {
	SubscriptionID string
	OrderID        string
	OrderItemID    string
}

// FindPending returns the pending subscription, without remote object yet, matching the lookup
func (m *Manager) FindPending(ctx context.Context, mode gateway.Mode, lookup PendingLookup) (*Subscription, error) {
	if len(lookup.SubscriptionID) == 0 && len(lookup.OrderID) == 0 {
		return nil, nil
	}
	query := m.DB.
		Where("payment_gateway_mode = ?", mode).
		Where("status = ?", StatusPending).
		Where("transaction_id = ?", "")
	if len(lookup.SubscriptionID) > 0 {
		query = query.Where("id = ?", lookup.SubscriptionID)
	}
	if len(lookup.OrderID) > 0 {
		query = query.Where("first_order_id = ?", lookup.OrderID)
	}
	if len(lookup.OrderItemID) > 0 {
		query = query.Where("first_order_item_id = ?", lookup.OrderItemID)
	}
	return m.first(ctx, "Cannot find pending subscription", query.Order("created_at asc"))
}

// ListByOrder returns every subscription originating from the order
func (m *Manager) ListByOrder(ctx context.Context, orderID string) ([]Subscription, error) {
	results := make([]Subscription, 0, 1)
	result := m.DB.WithContext(ctx).
		Order("created_at asc").
		Find(&results, "first_order_id = ?", orderID)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list subscriptions by order")
	}
	return results, nil
}

// ListRenewals returns the renewals counted against a subscription, oldest first
func (m *Manager) ListRenewals(ctx context.Context, id string) ([]Renewal, error) {
	results := make([]Renewal, 0, 1)
	result := m.DB.WithContext(ctx).
		Order("billed_count asc").
		Find(&results, "subscription_id = ?", id)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list renewals")
	}
	return results, nil
}

func (m *Manager) first(ctx context.Context, msg string, query *gorm.DB) (*Subscription, error) {
	var sub Subscription

	result := query.WithContext(ctx).First(&sub)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, msg)
	}

	return &sub, nil
}

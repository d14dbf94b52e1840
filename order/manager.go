package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/recur/gateway"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrOrderNotFound is returned by mutations referencing an unknown order
var ErrOrderNotFound = errors.New("order not found")

// Manager implements Adapter on the local database
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  func() time.Time
}

var _ Adapter = &Manager{}

// NewManager returns a new Manager for orders
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Order{}, &Item{}, &Note{}, &Refund{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize order.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
		clock:  time.Now,
	}, nil
}

// Create stores a new order with its items
func (m *Manager) Create(ctx context.Context, o *Order) error {
	if len(o.ID) == 0 {
		o.ID = uuid.New().String()
	}
	if len(o.Status) == 0 {
		o.Status = StatusPending
	}
	for i := range o.Items {
		if len(o.Items[i].ID) == 0 {
			o.Items[i].ID = uuid.New().String()
		}
	}
	result := m.db.WithContext(ctx).Create(o)
	if result.Error != nil {
		m.logger.Error("Unable to create new order in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create order")
	}
	return nil
}

// GetOrder returns the order with its items and notes, or nil if it does not exist
func (m *Manager) GetOrder(ctx context.Context, id string) (*Order, error) {
	return m.first(ctx, "Cannot get order by id", m.db.Where("id = ?", id))
}

// FindByPaymentIntent returns the order paid by the payment intent
func (m *Manager) FindByPaymentIntent(ctx context.Context, mode gateway.Mode, paymentIntentID string) (*Order, error) {
	return m.first(ctx, "Cannot get order by payment intent", m.db.
		Where("payment_gateway_mode = ?", mode).
		Where("payment_intent_id = ?", paymentIntentID))
}

func (m *Manager) first(ctx context.Context, msg string, query *gorm.DB) (*Order, error) {
	var o Order

	result := query.WithContext(ctx).
		Preload("Items").
		Preload("Notes", func(db *gorm.DB) *gorm.DB {
			return db.Order("id asc")
		}).
		First(&o)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, msg)
	}

	return &o, nil
}

// AddOrderNote appends a note to the order
func (m *Manager) AddOrderNote(ctx context.Context, orderID string, note string) error {
	return addNote(m.db.WithContext(ctx), orderID, note)
}

func addNote(tx *gorm.DB, orderID string, note string) error {
	if err := tx.Create(&Note{OrderID: orderID, Note: note}).Error; err != nil {
		return extErrors.Wrap(err, "Cannot add order note")
	}
	return nil
}

// lambdaUpdate loads the order FOR UPDATE and saves it if the lambda signals so
func (m *Manager) lambdaUpdate(ctx context.Context, id string, lambda func(tx *gorm.DB, o *Order) (bool, error)) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var o Order
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&o, "id = ?", id)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}
		shouldSave, err := lambda(tx, &o)
		if err != nil || !shouldSave {
			return err
		}
		return tx.Omit(clause.Associations).Save(&o).Error
	})
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		m.logger.Error("Unable to update order",
			zap.String("OrderID", id),
			zap.Error(err),
		)
	}
	return err
}

// PaymentComplete marks the order as processing and records when it was paid
func (m *Manager) PaymentComplete(ctx context.Context, orderID string, paymentIntentID string) error {
	return m.lambdaUpdate(ctx, orderID, func(tx *gorm.DB, o *Order) (bool, error) {
		if o.PaidAt != nil || o.Status.IsPaid() {
			return false, nil
		}
		now := m.clock().UTC()
		o.PaidAt = &now
		o.Status = StatusProcessing
		if len(paymentIntentID) > 0 {
			o.PaymentIntentID = paymentIntentID
		}
		return true, addNote(tx, o.ID, "Payment completed")
	})
}

// UpdateStatus changes the status of the order. note is only recorded if the status changed
func (m *Manager) UpdateStatus(ctx context.Context, orderID string, status Status, note string) error {
	return m.lambdaUpdate(ctx, orderID, func(tx *gorm.DB, o *Order) (bool, error) {
		if o.Status == status {
			return false, nil
		}
		msg := fmt.Sprintf("Order status changed from %s to %s", o.Status, status)
		if len(note) > 0 {
			msg = msg + ". " + note
		}
		o.Status = status
		return true, addNote(tx, o.ID, msg)
	})
}

// InvalidateItems flags every item of the order as never to be fulfilled
func (m *Manager) InvalidateItems(ctx context.Context, orderID string) error {
	result := m.db.WithContext(ctx).
		Model(&Item{}).
		Where("order_id = ?", orderID).
		Update("invalidated", true)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot invalidate order items")
	}
	return nil
}

// CreateRenewalOrder creates a paid order for a renewal invoice. A second call for the same
// invoice returns the existing order.
func (m *Manager) CreateRenewalOrder(ctx context.Context, opt RenewalOptions) (*Order, bool, error) {
	if len(opt.InvoiceID) == 0 {
		return nil, false, fmt.Errorf("empty InvoiceID is invalid")
	}
	existing, err := m.first(ctx, "Cannot get renewal order", m.db.Where("renewal_invoice_id = ?", opt.InvoiceID))
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	paidAt := opt.PaidAt.UTC()
	invoiceID := opt.InvoiceID
	o := &Order{
		ID:                 uuid.New().String(),
		CustomerID:         opt.CustomerID,
		ParentOrderID:      opt.ParentOrderID,
		SubscriptionID:     opt.SubscriptionID,
		RenewalInvoiceID:   &invoiceID,
		PaymentIntentID:    opt.PaymentIntentID,
		PaymentGatewayMode: opt.Mode,
		Status:             StatusProcessing,
		Total:              opt.Total,
		CurrencyCode:       opt.CurrencyCode,
		PaidAt:             &paidAt,
	}
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(o).Error; err != nil {
			return err
		}
		return addNote(tx, o.ID, fmt.Sprintf("Renewal order for invoice %s", opt.InvoiceID))
	})
	if err != nil {
		// lost a race against a concurrent delivery of the same invoice
		if raced, lookupErr := m.first(ctx, "Cannot get renewal order", m.db.Where("renewal_invoice_id = ?", opt.InvoiceID)); lookupErr == nil && raced != nil {
			return raced, false, nil
		}
		m.logger.Error("Unable to create renewal order",
			zap.String("InvoiceID", opt.InvoiceID),
			zap.Error(err),
		)
		return nil, false, extErrors.Wrap(err, "Cannot create renewal order")
	}
	return o, true, nil
}

// GetRefundByRemoteID returns the local refund of a gateway refund, or nil
func (m *Manager) GetRefundByRemoteID(ctx context.Context, remoteID string) (*Refund, error) {
	var r Refund

	result := m.db.WithContext(ctx).First(&r, "remote_id = ?", remoteID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get refund by remote id")
	}

	return &r, nil
}

// CreateRefund stores a refund. If a refund for the same remote refund exists, refund is filled with it instead.
func (m *Manager) CreateRefund(ctx context.Context, refund *Refund) error {
	if len(refund.RemoteID) == 0 {
		return fmt.Errorf("empty RemoteID is invalid")
	}
	if len(refund.ID) == 0 {
		refund.ID = uuid.New().String()
	}
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Refund
		lookupRes := tx.First(&existing, "remote_id = ?", refund.RemoteID)
		if lookupRes.Error == nil {
			*refund = existing
			return nil
		}
		if !errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return lookupRes.Error
		}
		if err := tx.Create(refund).Error; err != nil {
			m.logger.Error("Unable to create refund",
				zap.String("RemoteID", refund.RemoteID),
				zap.Error(err),
			)
			return extErrors.Wrap(err, "Cannot create refund")
		}
		return addNote(tx, refund.OrderID, fmt.Sprintf("Refunded %s (%s)", refund.Amount.StringFixed(2), refund.RemoteID))
	})
}

// DeleteRefund removes a local refund
func (m *Manager) DeleteRefund(ctx context.Context, id string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r Refund
		lookupRes := tx.First(&r, "id = ?", id)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			return nil
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}
		if err := tx.Delete(&r).Error; err != nil {
			return extErrors.Wrap(err, "Cannot delete refund")
		}
		return addNote(tx, r.OrderID, fmt.Sprintf("Refund %s removed", r.RemoteID))
	})
}

// ListRefunds returns the refunds of an order, oldest first
func (m *Manager) ListRefunds(ctx context.Context, orderID string) ([]Refund, error) {
	results := make([]Refund, 0, 1)
	result := m.db.WithContext(ctx).Order("created_at asc").Find(&results, "order_id = ?", orderID)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list refunds")
	}
	return results, nil
}

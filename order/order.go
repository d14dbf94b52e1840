package order

import (
	"time"

	"github.com/zllovesuki/recur/gateway"

	"github.com/shopspring/decimal"
)

// Status is the state of a purchase order
type Status string

// Defining the order states driven by payment events
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusOnHold     Status = "on_hold"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
)

// IsPaid returns true once payment was received for the order
func (s Status) IsPaid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusRefunded:
		return true
	}
	return false
}

// Order is a purchase order of the commerce platform
type Order struct {
	ID                 string          `json:"id" gorm:"primaryKey"`
	CustomerID         string          `json:"customerId" gorm:"index"`
	ParentOrderID      string          `json:"parentOrderId" gorm:"index"`         // Set on renewal orders
	SubscriptionID     string          `json:"subscriptionId" gorm:"index"`        // Set on renewal orders
	RenewalInvoiceID   *string         `json:"renewalInvoiceId" gorm:"uniqueIndex"` // Gateway invoice a renewal order was created for
	PaymentIntentID    string          `json:"paymentIntentId" gorm:"index"`
	PaymentGatewayMode gateway.Mode    `json:"paymentGatewayMode"`
	Status             Status          `json:"status"`
	Total              decimal.Decimal `json:"total" gorm:"type:numeric"`
	CurrencyCode       string          `json:"currencyCode"`
	PaidAt             *time.Time      `json:"paidAt"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	Items              []Item          `json:"items" gorm:"foreignKey:OrderID"`
	Notes              []Note          `json:"notes,omitempty" gorm:"foreignKey:OrderID"`
}

// Item is a line item of an Order
type Item struct {
	ID          string          `json:"id" gorm:"primaryKey"`
	OrderID     string          `json:"orderId" gorm:"index"`
	ProductID   string          `json:"productId"`
	Name        string          `json:"name"`
	Quantity    int             `json:"quantity"`
	Total       decimal.Decimal `json:"total" gorm:"type:numeric"`
	Invalidated bool            `json:"invalidated"` // The item will never be fulfilled, e.g. its payment was canceled
}

// TableName overrides the default "items"
func (Item) TableName() string {
	return "order_items"
}

// Note is a free-form audit note attached to an Order
type Note struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	OrderID   string    `json:"orderId" gorm:"index"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName overrides the default "notes"
func (Note) TableName() string {
	return "order_notes"
}

// Refund is a local refund record reconciled against a gateway refund
type Refund struct {
	ID        string          `json:"id" gorm:"primaryKey"`
	OrderID   string          `json:"orderId" gorm:"index"`
	RemoteID  string          `json:"remoteId" gorm:"uniqueIndex"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:numeric"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"createdAt"`
}

package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/recur/gateway"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RequestStatus is the processing state of a ledger entry
type RequestStatus string

// Defining the ledger states
const (
	StatusReceived       RequestStatus = "received"
	StatusProcessed      RequestStatus = "processed"
	StatusFailed         RequestStatus = "failed"
	StatusError          RequestStatus = "error"
	StatusRecordNotFound RequestStatus = "record_not_found"
	StatusRecordDeleted  RequestStatus = "record_deleted"
)

// IsSettled returns true for states where a redelivery must be a no-op
func (s RequestStatus) IsSettled() bool {
	switch s {
	case StatusProcessed, StatusRecordNotFound, StatusRecordDeleted:
		return true
	}
	return false
}

// IsProblem returns true for states an operator has to review
func (s RequestStatus) IsProblem() bool {
	return s == StatusFailed || s == StatusError
}

// Event is the ledger record of an inbound remote event
type Event struct {
	ID                 uint          `json:"id" gorm:"primaryKey"`
	EventID            string        `json:"eventId" gorm:"uniqueIndex"`
	EventType          EventType     `json:"eventType" gorm:"index"`
	SourceID           string        `json:"sourceId" gorm:"index"`
	SourceType         string        `json:"sourceType"`
	RequestStatus      RequestStatus `json:"requestStatus" gorm:"index"`
	PaymentGatewayMode gateway.Mode  `json:"paymentGatewayMode"`
	Attempts           int           `json:"attempts"`
	ResponseTimeMS     int64         `json:"responseTimeMs"`
	Notes              string        `json:"notes"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
	FinishedAt         *time.Time    `json:"finishedAt"`
}

// TableName overrides the default "events"
func (Event) TableName() string {
	return "webhook_events"
}

// Ledger records every authenticated remote event for idempotency and audit
type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  func() time.Time
	// inFlight is how long a received entry blocks redeliveries before it is considered abandoned
	inFlight time.Duration
}

// NewLedger returns a new Ledger
func NewLedger(logger *zap.Logger, db *gorm.DB) (*Ledger, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if db == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initilize webhook.Ledger")
	}
	return &Ledger{
		db:       db,
		logger:   logger,
		clock:    time.Now,
		inFlight: time.Minute * 5,
	}, nil
}

// Receive records the event, or reuses the entry of an earlier delivery. proceed is false when the
// earlier delivery settled the event or is still being processed, in which case the returned entry
// is the existing one.
func (l *Ledger) Receive(ctx context.Context, e *RemoteEvent, mode gateway.Mode) (entry *Event, proceed bool, err error) {
	entry = &Event{}
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(entry, "event_id = ?", e.ID)
		if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			*entry = Event{
				EventID:            e.ID,
				EventType:          e.Type,
				RequestStatus:      StatusReceived,
				PaymentGatewayMode: mode,
				Attempts:           1,
			}
			proceed = true
			return tx.Create(entry).Error
		}
		if lookupRes.Error != nil {
			return lookupRes.Error
		}

		if entry.RequestStatus.IsSettled() {
			return nil
		}
		if entry.RequestStatus == StatusReceived && l.clock().Sub(entry.UpdatedAt) < l.inFlight {
			return nil
		}
		entry.RequestStatus = StatusReceived
		entry.Attempts++
		entry.FinishedAt = nil
		proceed = true
		return tx.Save(entry).Error
	})
	if err != nil {
		l.logger.Error("Unable to record webhook event",
			zap.String("EventID", e.ID),
			zap.Error(err),
		)
		return nil, false, extErrors.Wrap(err, "Cannot record webhook event")
	}
	return entry, proceed, nil
}

// Completion is the single update written once processing finished or failed
type Completion struct {
	Status       RequestStatus
	SourceID     string
	SourceType   string
	Notes        string
	ResponseTime time.Duration
}

// Finish records the outcome of processing on the entry
func (l *Ledger) Finish(ctx context.Context, id uint, c Completion) error {
	now := l.clock().UTC()
	result := l.db.WithContext(ctx).
		Model(&Event{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"request_status":   c.Status,
			"source_id":        c.SourceID,
			"source_type":      c.SourceType,
			"notes":            c.Notes,
			"response_time_ms": c.ResponseTime.Milliseconds(),
			"finished_at":      now,
		})
	if result.Error != nil {
		l.logger.Error("Unable to finish webhook event",
			zap.Uint("LedgerID", id),
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot finish webhook event")
	}
	return nil
}

// Get returns the entry for eventID, or nil
func (l *Ledger) Get(ctx context.Context, eventID string) (*Event, error) {
	var entry Event

	result := l.db.WithContext(ctx).First(&entry, "event_id = ?", eventID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		l.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get webhook event")
	}

	return &entry, nil
}

// ListOption filters ListProblems
type ListOption struct {
	Mode   gateway.Mode // All modes if empty
	Before time.Time
	Limit  int
}

// ListProblems returns failed and errored entries for operator review, newest first
func (l *Ledger) ListProblems(ctx context.Context, opt ListOption) ([]Event, error) {
	baseQuery := l.db.WithContext(ctx).
		Order("created_at desc").
		Where("request_status IN ?", []RequestStatus{StatusFailed, StatusError})
	if len(opt.Mode) > 0 {
		baseQuery = baseQuery.Where("payment_gateway_mode = ?", opt.Mode)
	}
	if !opt.Before.IsZero() {
		baseQuery = baseQuery.Where("created_at < ?", opt.Before)
	}
	if opt.Limit > 0 {
		baseQuery = baseQuery.Limit(opt.Limit)
	}

	results := make([]Event, 0, 1)
	result := baseQuery.Find(&results)
	if result.Error != nil {
		l.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list problem webhook events")
	}
	return results, nil
}

// Package broker fans committed subscription lifecycle notifications out to a message broker
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/zllovesuki/recur/subscription"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Publisher defines the interface for publishing messages via message broker
type Publisher interface {
	Close()
	Publish(ctx context.Context, routingKey string, message proto.Message) error
}

// Lifecycle publishes every committed lifecycle notification, routed by its event name
type Lifecycle struct {
	publisher Publisher
	logger    *zap.Logger
	clock     func() time.Time
}

// NewLifecycle returns a Lifecycle publishing through publisher
func NewLifecycle(logger *zap.Logger, publisher Publisher) (*Lifecycle, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if publisher == nil {
		return nil, fmt.Errorf("nil Publisher is invalid")
	}
	return &Lifecycle{
		publisher: publisher,
		logger:    logger,
		clock:     time.Now,
	}, nil
}

// Register subscribes to the notifications emitted after commit
func (l *Lifecycle) Register(n *subscription.Notifier) {
	n.On(l.publish,
		subscription.EventCreated,
		subscription.EventUpdated,
		subscription.EventStatusChanged,
		subscription.EventDeleted,
	)
}

func (l *Lifecycle) publish(ctx context.Context, n subscription.Notification) error {
	msg, err := encode(n, l.clock())
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode lifecycle notification")
	}
	if err := l.publisher.Publish(ctx, string(n.Event), msg); err != nil {
		return extErrors.Wrap(err, "Cannot publish lifecycle notification")
	}
	return nil
}

func timestamp(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func encode(n subscription.Notification, now time.Time) (*structpb.Struct, error) {
	sub := n.Subscription
	fields := map[string]interface{}{
		"event":           string(n.Event),
		"occurred_at":     now.UTC().Format(time.RFC3339Nano),
		"subscription_id": sub.ID,
		"transaction_id":  sub.TransactionID,
		"customer_id":     sub.CustomerID,
		"first_order_id":  sub.FirstOrderID,
		"mode":            string(sub.PaymentGatewayMode),
		"status":          string(sub.Status),
		"effective_state": string(sub.EffectiveState()),
		"billed_count":    sub.BilledCount,
		"next_billing_at": timestamp(sub.NextBillingAt),
		"expires_at":      timestamp(sub.ExpiresAt),
		"resumes_at":      timestamp(sub.ResumesAt),
	}
	if len(n.From) > 0 {
		fields["from"] = string(n.From)
	}
	if len(n.To) > 0 {
		fields["to"] = string(n.To)
	}
	return structpb.NewStruct(fields)
}

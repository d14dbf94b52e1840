package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zllovesuki/recur/subscription"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type published struct {
	routingKey string
	body       []byte
}

type recordingPublisher struct {
	messages []published
	err      error
}

func (r *recordingPublisher) Close() {}

func (r *recordingPublisher) Publish(ctx context.Context, routingKey string, message proto.Message) error {
	if r.err != nil {
		return r.err
	}
	body, err := proto.Marshal(message)
	if err != nil {
		return err
	}
	r.messages = append(r.messages, published{routingKey: routingKey, body: body})
	return nil
}

func TestLifecyclePublishesStatusChange(t *testing.T) {
	publisher := &recordingPublisher{}
	l, err := NewLifecycle(zap.NewNop(), publisher)
	require.NoError(t, err)
	l.clock = func() time.Time {
		return time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	}

	next := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	err = l.publish(context.Background(), subscription.Notification{
		Event: subscription.EventStatusChanged,
		Subscription: &subscription.Subscription{
			ID:            "sub-1",
			TransactionID: "sub_remote",
			CustomerID:    "customer-1",
			Status:        subscription.StatusPastDue,
			BilledCount:   1,
			NextBillingAt: &next,
		},
		From: subscription.StatusActive,
		To:   subscription.StatusPastDue,
	})
	require.NoError(t, err)
	require.Len(t, publisher.messages, 1)
	assert.Equal(t, "subscription.status_changed", publisher.messages[0].routingKey)

	var decoded structpb.Struct
	require.NoError(t, proto.Unmarshal(publisher.messages[0].body, &decoded))
	fields := decoded.AsMap()
	assert.Equal(t, "sub-1", fields["subscription_id"])
	assert.Equal(t, "active", fields["from"])
	assert.Equal(t, "past_due", fields["to"])
	assert.Equal(t, float64(1), fields["billed_count"])
	assert.Equal(t, "2024-03-01T00:00:00Z", fields["next_billing_at"])
	assert.Nil(t, fields["expires_at"])
	assert.Equal(t, "2024-02-01T09:00:00Z", fields["occurred_at"])
}

func TestLifecyclePublishFailureIsReturned(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("channel closed")}
	l, err := NewLifecycle(zap.NewNop(), publisher)
	require.NoError(t, err)

	err = l.publish(context.Background(), subscription.Notification{
		Event:        subscription.EventDeleted,
		Subscription: &subscription.Subscription{ID: "sub-2"},
	})
	assert.Error(t, err)
}

func TestNewLifecycleValidatesOptions(t *testing.T) {
	_, err := NewLifecycle(zap.NewNop(), nil)
	assert.Error(t, err)
}

package subscription

import (
	"context"
	"sync"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Event is the name of a lifecycle notification
type Event string

// Defining the lifecycle notifications emitted by Manager.
// "-ing" notifications run inside the transaction and may veto the write,
// "-ed" notifications run after commit.
const (
	EventCreating       Event = "subscription.creating"
	EventCreated        Event = "subscription.created"
	EventUpdating       Event = "subscription.updating"
	EventUpdated        Event = "subscription.updated"
	EventDeleting       Event = "subscription.deleting"
	EventDeleted        Event = "subscription.deleted"
	EventStatusChanging Event = "subscription.status_changing"
	EventStatusChanged  Event = "subscription.status_changed"
)

// IsBefore returns true for notifications that run inside the transaction
func (e Event) IsBefore() bool {
	switch e {
	case EventCreating, EventUpdating, EventDeleting, EventStatusChanging:
		return true
	}
	return false
}

// Notification is delivered to every hook registered for its Event
type Notification struct {
	Event        Event
	Subscription *Subscription
	Previous     *Subscription // nil on create
	From         Status
	To           Status
	Tx           *gorm.DB // only set for "-ing" notifications
}

// Hook is invoked for a lifecycle notification
type Hook func(ctx context.Context, n Notification) error

// Notifier dispatches lifecycle notifications to the registered hooks in registration order
type Notifier struct {
	logger *zap.Logger
	mu     sync.RWMutex
	hooks  map[Event][]Hook
}

// NewNotifier returns an empty Notifier
func NewNotifier(logger *zap.Logger) *Notifier {
	return &Notifier{
		logger: logger,
		hooks:  make(map[Event][]Hook),
	}
}

// On registers hook for the given events
func (n *Notifier) On(hook Hook, events ...Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range events {
		n.hooks[e] = append(n.hooks[e], hook)
	}
}

func (n *Notifier) registered(e Event) []Hook {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.hooks[e]
}

// before runs the "-ing" hooks and stops at the first veto
func (n *Notifier) before(ctx context.Context, notification Notification) error {
	for _, hook := range n.registered(notification.Event) {
		if err := hook(ctx, notification); err != nil {
			return extErrors.Wrapf(err, "Hook for %s rejected the change", notification.Event)
		}
	}
	return nil
}

// after runs the "-ed" hooks. The write already committed, so failures are only logged
func (n *Notifier) after(ctx context.Context, notification Notification) {
	for _, hook := range n.registered(notification.Event) {
		if err := hook(ctx, notification); err != nil {
			n.logger.Error("Lifecycle hook failed",
				zap.String("Event", string(notification.Event)),
				zap.String("SubscriptionID", notification.Subscription.ID),
				zap.Error(err),
			)
		}
	}
}

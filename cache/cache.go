// Package cache keeps the effective state of every subscription in redis so reads do not hit the database
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zllovesuki/recur/subscription"

	"github.com/go-redis/redis/v7"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const keyPrefix = "recur:subscription:state:"

// State is the cached projection of a subscription
type State struct {
	ID             string              `json:"id"`
	CustomerID     string              `json:"customerId"`
	Status         subscription.Status `json:"status"`
	EffectiveState subscription.Status `json:"effectiveState"`
	BilledCount    int                 `json:"billedCount"`
	NextBillingAt  *time.Time          `json:"nextBillingAt"`
	ExpiresAt      *time.Time          `json:"expiresAt"`
	ResumesAt      *time.Time          `json:"resumesAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// StateOf projects sub into a State
func StateOf(sub *subscription.Subscription) State {
	return State{
		ID:             sub.ID,
		CustomerID:     sub.CustomerID,
		Status:         sub.Status,
		EffectiveState: sub.EffectiveState(),
		BilledCount:    sub.BilledCount,
		NextBillingAt:  sub.NextBillingAt,
		ExpiresAt:      sub.ExpiresAt,
		ResumesAt:      sub.ResumesAt,
		UpdatedAt:      sub.UpdatedAt,
	}
}

// Options contains the configuration of Cache
type Options struct {
	Redis  redis.UniversalClient
	Logger *zap.Logger
	// TTL bounds how long a state survives without a refresh. Defaults to 24 hours
	TTL time.Duration
}

// Cache stores State in redis, keyed by subscription ID
type Cache struct {
	Options
}

// New returns a Cache
func New(option Options) (*Cache, error) {
	if option.Redis == nil {
		return nil, fmt.Errorf("nil Redis is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.TTL == 0 {
		option.TTL = time.Hour * 24
	}
	return &Cache{
		Options: option,
	}, nil
}

func key(id string) string {
	return keyPrefix + id
}

// Get returns the cached state of id, or nil on a miss
func (c *Cache) Get(ctx context.Context, id string) (*State, error) {
	buf, err := c.Redis.Get(key(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot read subscription state from cache")
	}
	var state State
	if err := json.Unmarshal(buf, &state); err != nil {
		// stale layout, treat as a miss
		c.Logger.Warn("Discarding undecodable cache entry",
			zap.String("SubscriptionID", id),
			zap.Error(err),
		)
		return nil, nil
	}
	return &state, nil
}

// Set stores the state of sub
func (c *Cache) Set(ctx context.Context, sub *subscription.Subscription) error {
	buf, err := json.Marshal(StateOf(sub))
	if err != nil {
		return err
	}
	if err := c.Redis.Set(key(sub.ID), buf, c.TTL).Err(); err != nil {
		return extErrors.Wrap(err, "Cannot write subscription state to cache")
	}
	return nil
}

// Invalidate removes the cached state of id
func (c *Cache) Invalidate(ctx context.Context, id string) error {
	if err := c.Redis.Del(key(id)).Err(); err != nil {
		return extErrors.Wrap(err, "Cannot remove subscription state from cache")
	}
	return nil
}

// Register refreshes the cache on every committed lifecycle notification
func (c *Cache) Register(n *subscription.Notifier) {
	n.On(c.refresh, subscription.EventCreated, subscription.EventUpdated, subscription.EventStatusChanged)
	n.On(c.remove, subscription.EventDeleted)
}

func (c *Cache) refresh(ctx context.Context, n subscription.Notification) error {
	return c.Set(ctx, n.Subscription)
}

func (c *Cache) remove(ctx context.Context, n subscription.Notification) error {
	return c.Invalidate(ctx, n.Subscription.ID)
}

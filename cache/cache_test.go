package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/zllovesuki/recur/subscription"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStateOf(t *testing.T) {
	expires := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	state := StateOf(&subscription.Subscription{
		ID:          "sub-1",
		Status:      subscription.StatusActive,
		BilledCount: 2,
		ExpiresAt:   &expires,
	})
	assert.Equal(t, "sub-1", state.ID)
	assert.Equal(t, subscription.StatusActive, state.Status)
	assert.Equal(t, subscription.StatusPendingCancellation, state.EffectiveState)
	assert.Equal(t, 2, state.BilledCount)
	assert.Equal(t, &expires, state.ExpiresAt)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Logger: zap.NewNop()})
	assert.Error(t, err)
}

// the remaining tests talk to a real redis, e.g. REDIS_URI=127.0.0.1:6379
func getCache(t *testing.T) *Cache {
	addr := os.Getenv("REDIS_URI")
	if addr == "" {
		t.Skip("REDIS_URI is not set")
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		Password: os.Getenv("REDIS_PW"),
	})
	t.Cleanup(func() {
		rdb.Close()
	})
	c, err := New(Options{
		Redis:  rdb,
		Logger: zap.NewNop(),
		TTL:    time.Minute,
	})
	require.NoError(t, err)
	return c
}

func TestHooksRefreshCache(t *testing.T) {
	c := getCache(t)
	ctx := context.Background()

	id := uuid.New().String()
	miss, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, miss)

	sub := &subscription.Subscription{ID: id, Status: subscription.StatusPaused}
	require.NoError(t, c.refresh(ctx, subscription.Notification{
		Event:        subscription.EventStatusChanged,
		Subscription: sub,
		From:         subscription.StatusActive,
		To:           subscription.StatusPaused,
	}))
	cached, err := c.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, subscription.StatusPaused, cached.EffectiveState)

	require.NoError(t, c.remove(ctx, subscription.Notification{
		Event:        subscription.EventDeleted,
		Subscription: sub,
	}))
	gone, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

package customer

import (
	"context"
	"testing"

	"github.com/zllovesuki/recur/db"
	"github.com/zllovesuki/recur/gateway"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGatewayIDPerMode(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	gormDB, err := db.NewMemory(logger, uuid.New().String())
	require.NoError(t, err)
	m, err := NewManager(logger, gormDB)
	require.NoError(t, err)

	require.NoError(t, m.Upsert(ctx, &Customer{ID: "customer-1", Email: "a@example.com", TestGatewayID: "cus_test"}))

	id, err := m.GatewayID(ctx, "customer-1", gateway.ModeTest)
	require.NoError(t, err)
	require.Equal(t, "cus_test", id)

	id, err = m.GatewayID(ctx, "customer-1", gateway.ModeLive)
	require.NoError(t, err)
	require.Empty(t, id)

	require.NoError(t, m.SetGatewayID(ctx, "customer-1", gateway.ModeLive, "cus_live"))
	// a later upsert without gateway ids keeps the stored ones
	require.NoError(t, m.Upsert(ctx, &Customer{ID: "customer-1", Email: "b@example.com"}))

	cust, err := m.GetByEmail(ctx, "b@example.com")
	require.NoError(t, err)
	require.Equal(t, "cus_live", cust.LiveGatewayID)
	require.Equal(t, "cus_test", cust.TestGatewayID)

	require.Error(t, m.SetGatewayID(ctx, "missing", gateway.ModeLive, "cus_x"))

	missing, err := m.GatewayID(ctx, "missing", gateway.ModeLive)
	require.NoError(t, err)
	require.Empty(t, missing)
}

package webhook

import (
	"context"
	"testing"
	"time"

	"github.com/zllovesuki/recur/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerReceiveOnce(t *testing.T) {
	ctx := context.Background()
	l := getLedger(t)

	e := &RemoteEvent{ID: "evt_1", Type: InvoicePaid}

	entry, proceed, err := l.Receive(ctx, e, gateway.ModeTest)
	require.NoError(t, err)
	assert.True(t, proceed)
	assert.Equal(t, StatusReceived, entry.RequestStatus)
	assert.Equal(t, 1, entry.Attempts)

	// a concurrent redelivery while the first one is in flight
	again, proceed, err := l.Receive(ctx, e, gateway.ModeTest)
	require.NoError(t, err)
	assert.False(t, proceed)
	assert.Equal(t, entry.ID, again.ID)

	require.NoError(t, l.Finish(ctx, entry.ID, Completion{
		Status:       StatusProcessed,
		SourceID:     "sub-1",
		SourceType:   "subscription",
		ResponseTime: time.Millisecond * 42,
	}))

	_, proceed, err = l.Receive(ctx, e, gateway.ModeTest)
	require.NoError(t, err)
	assert.False(t, proceed)

	stored, err := l.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, stored.RequestStatus)
	assert.Equal(t, "sub-1", stored.SourceID)
	assert.Equal(t, int64(42), stored.ResponseTimeMS)
	assert.NotNil(t, stored.FinishedAt)

	missing, err := l.Get(ctx, "evt_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLedgerRetriesProblems(t *testing.T) {
	ctx := context.Background()
	l := getLedger(t)

	e := &RemoteEvent{ID: "evt_2", Type: InvoicePaid}
	entry, _, err := l.Receive(ctx, e, gateway.ModeLive)
	require.NoError(t, err)
	require.NoError(t, l.Finish(ctx, entry.ID, Completion{Status: StatusFailed, Notes: "boom"}))

	again, proceed, err := l.Receive(ctx, e, gateway.ModeLive)
	require.NoError(t, err)
	assert.True(t, proceed)
	assert.Equal(t, entry.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
	assert.Equal(t, StatusReceived, again.RequestStatus)
}

func TestLedgerReclaimsAbandonedEntries(t *testing.T) {
	ctx := context.Background()
	l := getLedger(t)

	e := &RemoteEvent{ID: "evt_3", Type: InvoicePaid}
	_, proceed, err := l.Receive(ctx, e, gateway.ModeTest)
	require.NoError(t, err)
	require.True(t, proceed)

	l.clock = func() time.Time {
		return time.Now().Add(time.Hour)
	}
	_, proceed, err = l.Receive(ctx, e, gateway.ModeTest)
	require.NoError(t, err)
	assert.True(t, proceed)
}

func TestLedgerListProblems(t *testing.T) {
	ctx := context.Background()
	l := getLedger(t)

	statuses := map[string]RequestStatus{
		"evt_ok":       StatusProcessed,
		"evt_failed":   StatusFailed,
		"evt_error":    StatusError,
		"evt_notfound": StatusRecordNotFound,
	}
	for id, status := range statuses {
		entry, _, err := l.Receive(ctx, &RemoteEvent{ID: id, Type: InvoicePaid}, gateway.ModeTest)
		require.NoError(t, err)
		require.NoError(t, l.Finish(ctx, entry.ID, Completion{Status: status}))
	}
	entry, _, err := l.Receive(ctx, &RemoteEvent{ID: "evt_live", Type: InvoicePaid}, gateway.ModeLive)
	require.NoError(t, err)
	require.NoError(t, l.Finish(ctx, entry.ID, Completion{Status: StatusFailed}))

	problems, err := l.ListProblems(ctx, ListOption{Mode: gateway.ModeTest})
	require.NoError(t, err)
	ids := make([]string, 0, len(problems))
	for _, p := range problems {
		ids = append(ids, p.EventID)
	}
	assert.ElementsMatch(t, []string{"evt_failed", "evt_error"}, ids)

	all, err := l.ListProblems(ctx, ListOption{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := l.ListProblems(ctx, ListOption{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

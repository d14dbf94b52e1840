package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

func getMockClient(t *testing.T, handler http.HandlerFunc) *StripeClient {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(server.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})

	c, err := NewStripeClient(StripeOptions{
		Key:    "sk_test_123",
		Mode:   ModeTest,
		Logger: zap.NewNop(),
		Backends: &stripe.Backends{
			API:     backend,
			Connect: backend,
			Uploads: backend,
		},
		BreakerFailures: 3,
		BreakerTimeout:  time.Minute,
	})
	require.NoError(t, err)
	return c
}

func TestNewStripeClientValidation(t *testing.T) {
	_, err := NewStripeClient(StripeOptions{Mode: ModeTest, Logger: zap.NewNop()})
	require.Error(t, err)

	_, err = NewStripeClient(StripeOptions{Key: "sk", Mode: "sandbox", Logger: zap.NewNop()})
	require.Error(t, err)

	_, err = NewStripeClient(StripeOptions{Key: "sk", Mode: ModeLive})
	require.Error(t, err)
}

func TestGetSubscriptionDecodesExpandedFields(t *testing.T) {
	c := getMockClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/subscriptions/sub_123", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "sub_123",
			"object": "subscription",
			"status": "active",
			"customer": {"id": "cus_9", "object": "customer"},
			"schedule": null,
			"default_payment_method": "pm_1",
			"current_period_end": 1706745600,
			"pause_collection": {"behavior": "void", "resumes_at": 1709251200},
			"metadata": {"subscription_id": "42"}
		}`)
	})

	sub, err := c.GetSubscription(context.Background(), "sub_123")
	require.NoError(t, err)
	require.Equal(t, "sub_123", sub.ID)
	require.Equal(t, ID("cus_9"), sub.Customer)
	require.Equal(t, ID(""), sub.Schedule)
	require.Equal(t, ID("pm_1"), sub.DefaultPaymentMethod)
	require.True(t, sub.IsPaused())
	require.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), sub.PeriodEnd())
	require.Equal(t, "42", sub.Metadata[MetadataSubscriptionID])
}

func TestResourceMissingIsTyped(t *testing.T) {
	c := getMockClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": {"code": "resource_missing", "message": "No such subscription: 'sub_gone'", "type": "invalid_request_error"}}`)
	})

	err := c.Mutator(Target{TransactionID: "sub_gone"}).Cancel(context.Background())
	require.Error(t, err)
	require.True(t, IsResourceMissing(err))

	var gErr *Error
	require.ErrorAs(t, err, &gErr)
	require.Equal(t, "resource_missing", gErr.Code)
	require.Equal(t, http.StatusNotFound, gErr.HTTPStatus)
	require.Contains(t, gErr.Summary(), "no longer knows")
}

func TestBreakerOpensOnOutage(t *testing.T) {
	var hits int32
	c := getMockClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error": {"message": "boom", "type": "api_error"}}`)
	})

	for i := 0; i < 3; i++ {
		_, err := c.GetInvoice(context.Background(), "in_1")
		require.Error(t, err)
		require.False(t, IsResourceMissing(err))
	}

	_, err := c.GetInvoice(context.Background(), "in_1")
	require.Error(t, err)

	var gErr *Error
	require.ErrorAs(t, err, &gErr)
	require.Contains(t, gErr.Summary(), "temporarily unavailable")
	require.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestRequestErrorsDoNotTripBreaker(t *testing.T) {
	var hits int32
	c := getMockClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error": {"code": "card_declined", "message": "Your card was declined.", "type": "card_error"}}`)
	})

	for i := 0; i < 5; i++ {
		err := c.Mutator(Target{TransactionID: "sub_1"}).UpdatePaymentMethod(context.Background(), "pm_2")
		require.Error(t, err)
	}
	require.EqualValues(t, 5, atomic.LoadInt32(&hits))
}

func TestScheduleMutatorRoutesToUnderlyingSubscription(t *testing.T) {
	var paths []string
	c := getMockClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "x"}`)
	})

	m := c.Mutator(Target{TransactionID: "sub_sched_1", RemoteSubscriptionID: "sub_1", IsSchedule: true})
	require.NoError(t, m.Pause(context.Background(), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, m.UpdatePaymentMethod(context.Background(), "pm_2"))
	require.NoError(t, m.Cancel(context.Background()))

	require.Equal(t, []string{
		"POST /v1/subscriptions/sub_1",
		"POST /v1/subscription_schedules/sub_sched_1",
		"POST /v1/subscription_schedules/sub_sched_1/cancel",
	}, paths)

	notStarted := c.Mutator(Target{TransactionID: "sub_sched_2", IsSchedule: true})
	require.Error(t, notStarted.Resume(context.Background()))
}

func TestScheduleCancelAtPeriodEndEndsThePhase(t *testing.T) {
	var paths []string
	var form url.Values
	c := getMockClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.Method + " " + r.URL.Path {
		case "GET /v1/subscriptions/sub_1":
			fmt.Fprint(w, `{"id": "sub_1", "object": "subscription", "status": "active", "schedule": "sub_sched_1", "current_period_end": 1706745600}`)
		case "GET /v1/subscription_schedules/sub_sched_1":
			fmt.Fprint(w, `{
				"id": "sub_sched_1",
				"object": "subscription_schedule",
				"end_behavior": "release",
				"current_phase": {"start_date": 1704067200, "end_date": 1711929600},
				"phases": [
					{"start_date": 1704067200, "end_date": 1711929600, "items": [{"price": "price_1", "quantity": 1}]}
				]
			}`)
		case "POST /v1/subscription_schedules/sub_sched_1":
			require.NoError(t, r.ParseForm())
			form = r.PostForm
			fmt.Fprint(w, `{"id": "sub_sched_1", "object": "subscription_schedule", "end_behavior": "cancel"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error": {"code": "resource_missing", "message": "unexpected request", "type": "invalid_request_error"}}`)
		}
	})

	m := c.Mutator(Target{TransactionID: "sub_sched_1", RemoteSubscriptionID: "sub_1", IsSchedule: true})
	sub, err := m.CancelAtPeriodEnd(context.Background())
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), sub.PeriodEnd())

	require.Equal(t, []string{
		"GET /v1/subscriptions/sub_1",
		"GET /v1/subscription_schedules/sub_sched_1",
		"POST /v1/subscription_schedules/sub_sched_1",
	}, paths)
	require.Equal(t, "cancel", form.Get("end_behavior"))
	require.Equal(t, "1704067200", form.Get("phases[0][start_date]"))
	require.Equal(t, "1706745600", form.Get("phases[0][end_date]"))
	require.Equal(t, "price_1", form.Get("phases[0][items][0][price]"))
	// the subscription's own flag is left alone
	require.Empty(t, form.Get("cancel_at_period_end"))

	notStarted := c.Mutator(Target{TransactionID: "sub_sched_2", IsSchedule: true})
	_, err = notStarted.CancelAtPeriodEnd(context.Background())
	require.Error(t, err)
}

func TestListRefundsFollowsPages(t *testing.T) {
	var queries []string
	c := getMockClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/refunds", r.URL.Path)
		require.Equal(t, "ch_1", r.URL.Query().Get("charge"))
		queries = append(queries, r.URL.Query().Get("starting_after"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("starting_after") == "" {
			fmt.Fprint(w, `{"object": "list", "url": "/v1/refunds", "has_more": true, "data": [
				{"id": "re_1", "object": "refund", "status": "succeeded", "amount": 100, "currency": "usd", "charge": "ch_1"}
			]}`)
			return
		}
		fmt.Fprint(w, `{"object": "list", "url": "/v1/refunds", "has_more": false, "data": [
			{"id": "re_2", "object": "refund", "status": "failed", "amount": 200, "currency": "usd", "charge": "ch_1", "payment_intent": "pi_1"}
		]}`)
	})

	refunds, err := c.ListRefunds(context.Background(), "ch_1")
	require.NoError(t, err)
	require.Len(t, refunds, 2)
	require.Equal(t, []string{"", "re_1"}, queries)
	require.Equal(t, "re_1", refunds[0].ID)
	require.Equal(t, int64(100), refunds[0].Amount)
	require.Equal(t, ID("ch_1"), refunds[0].Charge)
	require.Equal(t, RefundStatusFailed, refunds[1].Status)
	require.Equal(t, ID("pi_1"), refunds[1].PaymentIntent)
}

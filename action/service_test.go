package action

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/zllovesuki/recur/auth"
	"github.com/zllovesuki/recur/cache"
	"github.com/zllovesuki/recur/gateway/gatewaytest"
	"github.com/zllovesuki/recur/subscription"
)

type envelope struct {
	Error    bool            `json:"error"`
	Message  string          `json:"message"`
	Messages []string        `json:"messages"`
	Result   json.RawMessage `json:"result"`
}

func (s *ActionTestSuite) token(claims auth.Claims) string {
	token, err := s.auth.CreateTokenFromClaims(claims)
	s.Require().NoError(err)
	return token
}

func (s *ActionTestSuite) request(method, path, token, body string) (*httptest.ResponseRecorder, envelope) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.service.Router().ServeHTTP(rec, req)

	var env envelope
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func (s *ActionTestSuite) TestRouterRequiresBearer() {
	sub := s.active("sub_http_1")
	rec, env := s.request(http.MethodGet, "/"+sub.ID, "", "")
	s.Equal(http.StatusUnauthorized, rec.Code)
	s.True(env.Error)
}

func (s *ActionTestSuite) TestRouterOwnership() {
	sub := s.active("sub_http_2")
	owner := s.token(auth.Claims{ID: "customer-1"})
	stranger := s.token(auth.Claims{ID: "customer-2"})
	admin := s.token(auth.Claims{ID: "operator", Admin: true})

	rec, env := s.request(http.MethodGet, "/"+sub.ID, owner, "")
	s.Equal(http.StatusOK, rec.Code)
	var state cache.State
	s.Require().NoError(json.Unmarshal(env.Result, &state))
	s.Equal(subscription.StatusActive, state.EffectiveState)

	rec, _ = s.request(http.MethodGet, "/"+sub.ID, stranger, "")
	s.Equal(http.StatusNotFound, rec.Code)
	rec, _ = s.request(http.MethodPost, "/"+sub.ID+"/cancel", stranger, "")
	s.Equal(http.StatusNotFound, rec.Code)
	s.Empty(s.fake.Calls("cancel"))

	rec, _ = s.request(http.MethodGet, "/"+sub.ID+"/details", admin, "")
	s.Equal(http.StatusOK, rec.Code)
	rec, _ = s.request(http.MethodGet, "/missing", admin, "")
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *ActionTestSuite) TestRouterPauseAndResume() {
	sub := s.active("sub_http_3")
	owner := s.token(auth.Claims{ID: "customer-1"})

	rec, env := s.request(http.MethodPost, "/"+sub.ID+"/pause", owner, `{}`)
	s.Equal(http.StatusBadRequest, rec.Code)
	s.True(env.Error)

	rec, env = s.request(http.MethodPost, "/"+sub.ID+"/pause", owner, `{"resumesAt":"2024-03-01T00:00:00Z"}`)
	s.Require().Equal(http.StatusOK, rec.Code, env.Messages)
	var paused subscription.Subscription
	s.Require().NoError(json.Unmarshal(env.Result, &paused))
	s.Equal(subscription.StatusPaused, paused.Status)

	rec, _ = s.request(http.MethodPost, "/"+sub.ID+"/resume", owner, "")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal(subscription.StatusActive, s.get(sub.ID).Status)

	rec, env = s.request(http.MethodPost, "/"+sub.ID+"/resume", owner, "")
	s.Equal(http.StatusUnprocessableEntity, rec.Code)
	s.NotEmpty(env.Messages)
}

func (s *ActionTestSuite) TestRouterTranslatesGatewayErrors() {
	sub := s.active("sub_http_4")
	owner := s.token(auth.Claims{ID: "customer-1"})
	s.fake.Fail("cancel", gatewaytest.Declined("cancel subscription"))

	rec, env := s.request(http.MethodPost, "/"+sub.ID+"/cancel", owner, "")
	s.Equal(http.StatusBadGateway, rec.Code)
	s.Equal([]string{"The payment method was declined"}, env.Messages)
	s.Equal(subscription.StatusActive, s.get(sub.ID).Status)

	rec, env = s.request(http.MethodPost, "/"+sub.ID+"/cancel", owner, `{"atPeriodEnd":true}`)
	s.Equal(http.StatusOK, rec.Code)
	var scheduled subscription.Subscription
	s.Require().NoError(json.Unmarshal(env.Result, &scheduled))
	s.NotNil(scheduled.ExpiresAt)
}

func (s *ActionTestSuite) TestRouterUpdatePaymentMethod() {
	sub := s.active("sub_http_5")
	owner := s.token(auth.Claims{ID: "customer-1"})

	rec, _ := s.request(http.MethodPost, "/"+sub.ID+"/payment-method", owner, `{"paymentMethodId":""}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec, _ = s.request(http.MethodPost, "/"+sub.ID+"/payment-method", owner, `not json`)
	s.Equal(http.StatusBadRequest, rec.Code)

	rec, env := s.request(http.MethodPost, "/"+sub.ID+"/payment-method", owner, `{"paymentMethodId":"pm_http"}`)
	s.Equal(http.StatusOK, rec.Code)
	var updated subscription.Subscription
	s.Require().NoError(json.Unmarshal(env.Result, &updated))
	s.Equal("pm_http", updated.PendingPaymentMethodID)
}

package customer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zllovesuki/recur/auth"
	"github.com/zllovesuki/recur/db"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, *auth.Auth) {
	logger := zap.NewNop()
	gormDB, err := db.NewMemory(logger, uuid.New().String())
	require.NoError(t, err)
	m, err := NewManager(logger, gormDB)
	require.NoError(t, err)
	require.NoError(t, m.Upsert(context.Background(), &Customer{ID: "customer-1", Email: "a@example.com", TestGatewayID: "cus_1"}))

	a, err := auth.New(auth.Options{
		Logger:        logger,
		JWTSigningKey: "0123456789abcdef0123",
	})
	require.NoError(t, err)

	s, err := NewService(Options{
		Auth:            a,
		CustomerManager: m,
		Logger:          logger,
	})
	require.NoError(t, err)
	return s, a
}

func serve(s *Service, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestNewServiceValidatesOptions(t *testing.T) {
	_, err := NewService(Options{})
	assert.Error(t, err)
}

func TestRequestLogin(t *testing.T) {
	s, _ := newTestService(t)

	rec := serve(s, http.MethodPost, "/", "", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(s, http.MethodPost, "/", "", `{"email":"not an email"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// unknown addresses look the same as known ones
	rec = serve(s, http.MethodPost, "/", "", `{"email":"nobody@example.com"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// passwordless was never enabled
	rec = serve(s, http.MethodPost, "/", "", `{"email":"a@example.com"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = serve(s, http.MethodGet, "/customer-1/ABCDEFGH", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestProfile(t *testing.T) {
	s, a := newTestService(t)

	rec := serve(s, http.MethodGet, "/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := a.CreateTokenFromClaims(auth.Claims{ID: "customer-1", Email: "a@example.com"})
	require.NoError(t, err)
	rec = serve(s, http.MethodGet, "/me", token, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Result Customer `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "customer-1", env.Result.ID)
	assert.Equal(t, "cus_1", env.Result.TestGatewayID)

	token, err = a.CreateTokenFromClaims(auth.Claims{ID: "customer-2"})
	require.NoError(t, err)
	rec = serve(s, http.MethodGet, "/me", token, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

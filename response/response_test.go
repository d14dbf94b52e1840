package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	WriteError(w, r, ErrUnprocessable().AddMessages("Subscription is already canceled"))

	require.Equal(t, 422, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, true, body["error"])
	require.Equal(t, []interface{}{"Subscription is already canceled"}, body["messages"])
}

func TestWriteResponse(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	WriteResponse(w, r, map[string]string{"status": "active"})

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Error  bool              `json:"error"`
		Result map[string]string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.False(t, body.Error)
	require.Equal(t, "active", body.Result["status"])
}

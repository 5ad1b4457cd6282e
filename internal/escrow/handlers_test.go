package escrow

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*gin.Engine, *fakeWallet, *testClock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	wallet := newFakeWallet()
	wallet.fund("A", 1, 1000)
	svc := NewService(NewMemoryStore(), wallet).WithClock(clock.Now).WithFinalizePolicy(fastFinalize)

	h := NewHandler(svc, time.Hour)
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin"))
	return r, wallet, clock
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type escrowResponse struct {
	Escrow Escrow `json:"escrow"`
}

func decodeEscrow(t *testing.T, w *httptest.ResponseRecorder) Escrow {
	t.Helper()
	var resp escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Escrow
}

func TestHandler_CreateGetRelease(t *testing.T) {
	r, wallet, _ := setupRouter(t)

	w := do(r, "POST", "/v1/escrows", `{"sender":"A","receiver":"B","assetTag":1,"amount":100,"conditions":"delivery-confirmed"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeEscrow(t, w)
	assert.Equal(t, uint64(1), created.ID)
	assert.Equal(t, StatusLocked, created.Status)
	assert.Equal(t, "delivery-confirmed", created.Conditions)

	w = do(r, "GET", "/v1/escrows/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusLocked, decodeEscrow(t, w).Status)

	w = do(r, "POST", "/v1/escrows/1/release", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusReleased, decodeEscrow(t, w).Status)
	assert.Equal(t, uint64(100), wallet.balance("B", 1))

	w = do(r, "POST", "/v1/escrows/1/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_state")
}

func TestHandler_CreateErrors(t *testing.T) {
	r, wallet, _ := setupRouter(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed json", `{"sender":`, http.StatusBadRequest, "invalid_request"},
		{"zero amount", `{"sender":"A","receiver":"B","assetTag":1,"amount":0}`, http.StatusBadRequest, "validation_error"},
		{"same party", `{"sender":"A","receiver":"A","assetTag":1,"amount":5}`, http.StatusBadRequest, "validation_error"},
		{"insufficient funds", `{"sender":"A","receiver":"B","assetTag":1,"amount":5000}`, http.StatusBadGateway, "upstream_failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, "POST", "/v1/escrows", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}

	wallet.debitErr = errors.New("offline")
	w := do(r, "POST", "/v1/escrows", `{"sender":"A","receiver":"B","assetTag":1,"amount":5}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandler_GetErrors(t *testing.T) {
	r, _, _ := setupRouter(t)

	w := do(r, "GET", "/v1/escrows/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_id")

	w = do(r, "GET", "/v1/escrows/99", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")

	w = do(r, "POST", "/v1/escrows/99/release", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_List(t *testing.T) {
	r, _, _ := setupRouter(t)
	for i := 0; i < 3; i++ {
		w := do(r, "POST", "/v1/escrows", `{"sender":"A","receiver":"B","assetTag":1,"amount":10}`)
		require.Equal(t, http.StatusCreated, w.Code)
	}
	require.Equal(t, http.StatusOK, do(r, "POST", "/v1/escrows/2/cancel", "").Code)

	var resp struct {
		Escrows []Escrow `json:"escrows"`
		Count   int      `json:"count"`
	}

	w := do(r, "GET", "/v1/escrows?status=locked&account=A", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	w = do(r, "GET", "/v1/escrows?offset=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Escrows)

	w = do(r, "GET", "/v1/escrows?status=nope", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ProcessTimeouts(t *testing.T) {
	r, wallet, clock := setupRouter(t)
	require.Equal(t, http.StatusCreated,
		do(r, "POST", "/v1/escrows", `{"sender":"A","receiver":"B","assetTag":1,"amount":10}`).Code)
	clock.Advance(2 * time.Minute)

	// Default threshold is an hour: nothing is old enough.
	w := do(r, "POST", "/v1/admin/escrows/timeouts", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"timedOut":0`)

	w = do(r, "POST", "/v1/admin/escrows/timeouts", `{"thresholdSeconds":60}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"timedOut":1`)
	assert.Equal(t, uint64(1000), wallet.balance("A", 1))

	w = do(r, "POST", "/v1/admin/escrows/timeouts", `{"thresholdSeconds":-5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Recover(t *testing.T) {
	r, _, _ := setupRouter(t)
	w := do(r, "POST", "/v1/admin/escrows/recover", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"examined":0`)
}

package idempotency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/logging"
)

func TestMemoryStore_ReserveCompleteReplay(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, reserved, err := s.Reserve(ctx, "k", "h1", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)

	rec, reserved, err := s.Reserve(ctx, "k", "h1", time.Minute)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, StatusPending, rec.Status)

	require.NoError(t, s.Complete(ctx, "k", 201, []byte(`{"ok":true}`), time.Minute))
	rec, _, _ = s.Reserve(ctx, "k", "h1", time.Minute)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 201, rec.ResponseCode)
	assert.JSONEq(t, `{"ok":true}`, string(rec.ResponseBody))

	require.NoError(t, s.Release(ctx, "k"))
	_, reserved, _ = s.Reserve(ctx, "k", "h2", time.Minute)
	assert.True(t, reserved)
}

func TestMemoryStore_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.nowFn = func() time.Time { return now }
	ctx := context.Background()

	_, reserved, _ := s.Reserve(ctx, "k", "h", time.Minute)
	require.True(t, reserved)

	now = now.Add(2 * time.Minute)
	_, reserved, _ = s.Reserve(ctx, "k", "h", time.Minute)
	assert.True(t, reserved, "expired key should be reservable again")
}

func setupRouter(store Store, status int) (*gin.Engine, *atomic.Int32) {
	gin.SetMode(gin.TestMode)
	var calls atomic.Int32
	r := gin.New()
	r.POST("/things", Middleware(store, time.Hour, logging.Discard()), func(c *gin.Context) {
		n := calls.Add(1)
		c.JSON(status, gin.H{"call": n})
	})
	return r, &calls
}

func post(r *gin.Engine, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/things", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(Header, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ReplaysCompletedResponse(t *testing.T) {
	r, calls := setupRouter(NewMemoryStore(), http.StatusCreated)

	first := post(r, "abc", `{"amount":1}`)
	require.Equal(t, http.StatusCreated, first.Code)

	second := post(r, "abc", `{"amount":1}`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(ReplayHeader))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int32(1), calls.Load())
}

func TestMiddleware_RejectsDifferentBody(t *testing.T) {
	r, calls := setupRouter(NewMemoryStore(), http.StatusCreated)

	post(r, "abc", `{"amount":1}`)
	w := post(r, "abc", `{"amount":2}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "idempotency_key_reused")
	assert.Equal(t, int32(1), calls.Load())
}

func TestMiddleware_NoKeyPassesThrough(t *testing.T) {
	r, calls := setupRouter(NewMemoryStore(), http.StatusCreated)
	post(r, "", `{}`)
	post(r, "", `{}`)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMiddleware_ServerErrorReleasesKey(t *testing.T) {
	r, calls := setupRouter(NewMemoryStore(), http.StatusBadGateway)
	post(r, "abc", `{}`)
	post(r, "abc", `{}`)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMiddleware_InProgress(t *testing.T) {
	store := NewMemoryStore()
	r, calls := setupRouter(store, http.StatusCreated)

	_, reserved, err := store.Reserve(context.Background(), "POST /things busy", HashRequest([]byte(`{}`)), time.Hour)
	require.NoError(t, err)
	require.True(t, reserved)

	w := post(r, "busy", `{}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Zero(t, calls.Load())
}

func TestMiddleware_KeyTooLong(t *testing.T) {
	r, _ := setupRouter(NewMemoryStore(), http.StatusCreated)
	w := post(r, strings.Repeat("k", MaxKeyLength+1), `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

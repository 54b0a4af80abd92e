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
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(store Store, calls *atomic.Int32, status int) *gin.Engine {
	r := gin.New()
	g := r.Group("/v1/tenants/:id", Middleware(store, Options{}))
	g.POST("/payments", func(c *gin.Context) {
		n := calls.Add(1)
		c.JSON(status, gin.H{"call": n})
	})
	return r
}

func post(r *gin.Engine, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"amount":"100"}`))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ReplaysResponse(t *testing.T) {
	var calls atomic.Int32
	r := setupRouter(NewMemoryStore(), &calls, http.StatusCreated)

	first := post(r, "/v1/tenants/t1/payments", "abc")
	require.Equal(t, http.StatusCreated, first.Code)

	second := post(r, "/v1/tenants/t1/payments", "abc")
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(HeaderReplayed))
	assert.Equal(t, int32(1), calls.Load())
}

func TestMiddleware_ScopedByTenant(t *testing.T) {
	var calls atomic.Int32
	r := setupRouter(NewMemoryStore(), &calls, http.StatusCreated)

	post(r, "/v1/tenants/t1/payments", "abc")
	post(r, "/v1/tenants/t2/payments", "abc")
	assert.Equal(t, int32(2), calls.Load())
}

func TestMiddleware_NoKeyAlwaysProcesses(t *testing.T) {
	var calls atomic.Int32
	r := setupRouter(NewMemoryStore(), &calls, http.StatusCreated)

	post(r, "/v1/tenants/t1/payments", "")
	post(r, "/v1/tenants/t1/payments", "")
	assert.Equal(t, int32(2), calls.Load())
}

func TestMiddleware_ServerErrorReleasesKey(t *testing.T) {
	var calls atomic.Int32
	r := setupRouter(NewMemoryStore(), &calls, http.StatusInternalServerError)

	post(r, "/v1/tenants/t1/payments", "abc")
	post(r, "/v1/tenants/t1/payments", "abc")
	assert.Equal(t, int32(2), calls.Load())
}

func TestMiddleware_InFlightConflict(t *testing.T) {
	var calls atomic.Int32
	store := NewMemoryStore()
	r := setupRouter(store, &calls, http.StatusCreated)

	_, err := store.Claim(context.Background(), "t1:POST:/v1/tenants/:id/payments:abc", time.Minute)
	require.NoError(t, err)

	w := post(r, "/v1/tenants/t1/payments", "abc")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Zero(t, calls.Load())
}

func TestMiddleware_KeyTooLong(t *testing.T) {
	var calls atomic.Int32
	r := setupRouter(NewMemoryStore(), &calls, http.StatusCreated)

	w := post(r, "/v1/tenants/t1/payments", strings.Repeat("k", 256))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

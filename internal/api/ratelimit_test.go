package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBurstPerKey(t *testing.T) {
	rl := NewRateLimiter(0.001, 2, time.Minute)

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	// Separate bucket
	assert.True(t, rl.Allow("b"))
	assert.Equal(t, 2, rl.Len())

	rl.Forget("a")
	assert.Equal(t, 1, rl.Len())
	assert.True(t, rl.Allow("a"))
}

func TestRateLimiterEvictsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(10, 1, time.Millisecond)
	rl.maxCacheSize = 2

	rl.Allow("a")
	rl.Allow("b")
	time.Sleep(5 * time.Millisecond)
	rl.Allow("c")

	assert.Equal(t, 1, rl.Len())
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, time.Minute)
	h := rl.Middleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/camera", nil)
	req.RemoteAddr = "10.0.0.1:5000"

	rec := httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Same IP, different port
	req.RemoteAddr = "10.0.0.1:5001"
	rec = httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	req.RemoteAddr = "10.0.0.2:5000"
	rec = httptest.NewRecorder()
	h(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := New(cfg)
	l.now = clock.Now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5})

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("test-ip"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("test-ip"), "request after burst should be denied")

	// 60/min refills one token per second
	clock.Advance(time.Second)
	assert.True(t, limiter.Allow("test-ip"))
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}

	assert.False(t, limiter.Allow("client-a"))
	assert.True(t, limiter.Allow("client-b"))
}

func TestLimiterDisabled(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{RequestsPerMinute: 0, BurstSize: 1})
	for i := 0; i < 100; i++ {
		assert.True(t, limiter.Allow("x"))
	}
	assert.Equal(t, 0, limiter.Len())
}

func TestLimiterEvictsIdleClients(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute})

	limiter.Allow("a")
	limiter.Allow("b")
	assert.Equal(t, 2, limiter.Len())

	clock.Advance(30 * time.Second)
	limiter.Allow("b")
	clock.Advance(45 * time.Second)

	limiter.evictIdle()
	assert.Equal(t, 1, limiter.Len())
}

func TestLimiterStopTwice(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	assert.NotPanics(t, limiter.Stop)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(t, Config{RequestsPerMinute: 30, BurstSize: 2})

	router := gin.New()
	router.POST("/verify", limiter.Middleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	var codes []int
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/verify", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests {
			assert.Equal(t, "2", w.Header().Get("Retry-After"))
			assert.Contains(t, w.Body.String(), `"success":false`)
		}
	}

	assert.Equal(t, []int{200, 200, 429}, codes)
}

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

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(rpm, burst int) (*Limiter, *clock) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	l.now = clk.now
	return l, clk
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clk := newTestLimiter(60, 5)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("1.2.3.4"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("1.2.3.4"), "request after burst")

	clk.advance(time.Second)
	assert.True(t, l.Allow("1.2.3.4"), "one token refilled after a second at 60/min")
	assert.False(t, l.Allow("1.2.3.4"))
}

func TestLimiter_IndependentClients(t *testing.T) {
	l, _ := newTestLimiter(60, 2)
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	assert.True(t, l.Allow("b"))
}

func TestLimiter_RemoveIdle(t *testing.T) {
	l, clk := newTestLimiter(60, 2)
	defer l.Stop()

	l.Allow("a")
	clk.advance(time.Minute)
	l.Allow("b")
	assert.Equal(t, 2, l.Len())

	clk.advance(90 * time.Second)
	l.removeIdle()
	assert.Equal(t, 1, l.Len(), "only the recently seen client survives")
}

func TestLimiter_StopIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestMiddleware_Returns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(60, 1)
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware(func(c *gin.Context) string { return c.GetHeader("X-Client") }))
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	do := func(client string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/x", nil)
		req.Header.Set("X-Client", client)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("c1").Code)
	w := do("c1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusOK, do("c2").Code)
}

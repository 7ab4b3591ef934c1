package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, limit, window), mr
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newLimiter(t, 3, time.Minute)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "1.2.3.4") {
			t.Fatalf("request %d blocked under the limit", i+1)
		}
	}
	if l.Allow(ctx, "1.2.3.4") {
		t.Fatalf("request over the limit allowed")
	}
}

func TestAllowPerKey(t *testing.T) {
	l, _ := newLimiter(t, 1, time.Minute)
	ctx := context.Background()
	if !l.Allow(ctx, "1.2.3.4") {
		t.Fatalf("first request blocked")
	}
	if !l.Allow(ctx, "5.6.7.8") {
		t.Fatalf("other key should have its own counter")
	}
	if l.Allow(ctx, "1.2.3.4") {
		t.Fatalf("exhausted key allowed")
	}
}

func TestWindowReset(t *testing.T) {
	l, mr := newLimiter(t, 1, time.Minute)
	ctx := context.Background()
	if !l.Allow(ctx, "1.2.3.4") {
		t.Fatalf("first request blocked")
	}
	if l.Allow(ctx, "1.2.3.4") {
		t.Fatalf("second request in the window allowed")
	}
	mr.FastForward(time.Minute + time.Second)
	if !l.Allow(ctx, "1.2.3.4") {
		t.Fatalf("request after window expiry blocked")
	}
}

func TestFailsOpenWithoutRedis(t *testing.T) {
	l := New(nil, 1, time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if !l.Allow(ctx, "1.2.3.4") {
			t.Fatalf("disabled limiter blocked a request")
		}
	}
}

func TestFailsOpenOnRedisError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	l := New(rdb, 1, time.Minute)
	mr.Close()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "1.2.3.4") {
			t.Fatalf("unreachable redis should fail open")
		}
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newLimiter(t, 1, time.Minute)
	r := gin.New()
	r.POST("/login", l.Middleware(func(c *gin.Context) string { return c.ClientIP() }), func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/login", nil)
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

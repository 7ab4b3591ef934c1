// Package ratelimit provides a Redis-backed fixed-window request limiter,
// used to slow credential stuffing on the login and register endpoints.
package ratelimit

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	app "github.com/supportdeskhq/supportdesk/cmd/api/app"
)

// Limiter allows at most limit requests per key per window. Counters live in
// Redis so the limit holds across processes.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// New returns a Limiter. A nil client or non-positive limit disables it.
func New(rdb *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, limit: limit, window: window}
}

// Allow consumes one request for key. Fails open when Redis is unreachable:
// losing the limiter is preferable to losing logins.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if l.rdb == nil || l.limit <= 0 {
		return true
	}
	k := "rl:" + key
	n, err := l.rdb.Incr(ctx, k).Result()
	if err != nil {
		return true
	}
	if n == 1 {
		_ = l.rdb.PExpire(ctx, k, l.window).Err()
	}
	return n <= int64(l.limit)
}

// Middleware limits requests keyed by keyFunc (e.g. client IP).
func (l *Limiter) Middleware(keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.Request.Context(), keyFunc(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				app.Envelope{Error: &app.Error{Code: app.CodeRateLimited, Message: "too many requests"}})
			return
		}
		c.Next()
	}
}

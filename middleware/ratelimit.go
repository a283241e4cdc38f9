package middleware

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ByClientIP charges requests to the caller's address.
func ByClientIP(c *gin.Context) string { return c.ClientIP() }

// ByGuild charges requests to the guild in the path, so one noisy guild
// cannot starve ingestion for the others.
func ByGuild(c *gin.Context) string {
	if g := c.Param("guild"); g != "" {
		return "guild:" + g
	}
	return c.ClientIP()
}

// RateLimit provides token-bucket rate limiting per key.
// r = requests per second, b = burst size. Idle buckets are swept until
// ctx is done.
func RateLimit(ctx context.Context, r rate.Limit, b int, key KeyFunc) gin.HandlerFunc {
	limiters := &sync.Map{}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-10 * time.Minute).UnixNano()
				limiters.Range(func(k, v any) bool {
					if v.(*keyedLimiter).lastSeen.Load() < cutoff {
						limiters.Delete(k)
					}
					return true
				})
			}
		}
	}()

	get := func(k string) *rate.Limiter {
		v, _ := limiters.LoadOrStore(k, &keyedLimiter{limiter: rate.NewLimiter(r, b)})
		kl := v.(*keyedLimiter)
		kl.lastSeen.Store(time.Now().UnixNano())
		return kl.limiter
	}

	return func(c *gin.Context) {
		if !get(key(c)).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/metrics"
	"github.com/charlesng35/sentinel/pkg/response"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimit applies a token bucket per (client IP, route) in process memory. Buckets idle
// for ten minutes are evicted.
func RateLimit(perSecond float64, burst int) gin.HandlerFunc {
	if perSecond <= 0 || burst <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	var mu sync.Mutex
	buckets := gocache.New(limiterIdleTTL, limiterIdleTTL)

	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if v, ok := buckets.Get(key); ok {
			buckets.SetDefault(key, v)
			return v.(*rate.Limiter)
		}
		limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
		buckets.SetDefault(key, limiter)
		return limiter
	}

	return func(c *gin.Context) {
		path := routeOf(c)
		limiter := limiterFor(c.ClientIP() + "|" + path)

		reservation := limiter.Reserve()
		if !reservation.OK() || reservation.Delay() > 0 {
			wait := reservation.Delay()
			reservation.Cancel()
			metrics.RateLimited.WithLabelValues(path).Inc()
			c.Header("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			response.Error(c, errors.ErrRateLimit)
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(0, int(limiter.Tokens()))))
		c.Next()
	}
}

func routeOf(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return c.Request.URL.Path
}

package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/logger"
	"github.com/charlesng35/sentinel/pkg/metrics"
	"github.com/charlesng35/sentinel/pkg/response"
)

// Counter is a shared fixed-window counter. Satisfied by every cache.Store.
type Counter interface {
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// SharedRateLimit allows limit requests per (client IP, route) per window, counted in a
// store shared by every instance. A store failure lets the request through.
func SharedRateLimit(counter Counter, limit int, window time.Duration) gin.HandlerFunc {
	if counter == nil || limit <= 0 || window <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	log := logger.WithModule("ratelimit")

	return func(c *gin.Context) {
		path := routeOf(c)
		key := "ratelimit:" + c.ClientIP() + "|" + path

		count, ttl, err := counter.IncrementWithTTL(c.Request.Context(), key, window)
		if err != nil {
			log.Warn("rate limit counter unavailable", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(0, limit-int(count))))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(ttl.Seconds())))

		if count > int64(limit) {
			metrics.RateLimited.WithLabelValues(path).Inc()
			c.Header("Retry-After", strconv.Itoa(int(ttl.Seconds())+1))
			response.Error(c, errors.ErrRateLimit)
			c.Abort()
			return
		}
		c.Next()
	}
}

package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/sentinel/pkg/errors"
	"github.com/charlesng35/sentinel/pkg/logger"
	"github.com/charlesng35/sentinel/pkg/metrics"
	"github.com/charlesng35/sentinel/pkg/response"
)

// Recovery turns a handler panic into the standard 500 envelope. The panic value and stack
// go to the log only. If the handler already wrote a response nothing more is sent.
func Recovery() gin.HandlerFunc {
	log := logger.WithModule("http")
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			route := routeLabel(c)
			metrics.HTTPPanics.WithLabelValues(route).Inc()
			log.Error("handler panic",
				zap.String("route", route),
				zap.String("request_id", c.GetString(CtxRequestIDKey)),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			response.Error(c, errors.ErrInternalServer.WithInternal(fmt.Errorf("panic: %v", rec)))
			c.Abort()
		}()
		c.Next()
	}
}

// NotFoundHandler answers unknown routes with a JSON 404.
func NotFoundHandler(c *gin.Context) {
	response.Error(c, errors.ErrNotFound.WithInternal(fmt.Errorf("no route for %s %s", c.Request.Method, c.Request.URL.Path)))
}

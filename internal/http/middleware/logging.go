// README: Request logging and HTTP metrics.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dispatch/internal/observability"
)

func Logging(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		code := strconv.Itoa(status)
		observability.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, code).Inc()
		observability.HTTPRequestDuration.WithLabelValues(c.Request.Method, route, code).Observe(elapsed.Seconds())

		entry := log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"route":      route,
			"status":     status,
			"latency_ms": elapsed.Milliseconds(),
		})
		if uid := CallerUID(c); uid != "" {
			entry = entry.WithField("caller_uid", uid)
		}
		switch {
		case status >= 500:
			entry.Error("request failed")
		case status >= 400:
			entry.Info("request rejected")
		default:
			entry.Debug("request served")
		}
	}
}

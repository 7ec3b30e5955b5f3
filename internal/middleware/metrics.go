package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/campusmx/gradebook-api/internal/service"
)

// Metrics observes every request's method, route and latency. The route
// template is preferred over the raw path so ids do not explode label
// cardinality.
func Metrics(metricsSvc *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metricsSvc == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

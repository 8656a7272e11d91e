package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kandev/agentexec/internal/metrics"
)

// Metrics records request counts and latencies per route. A nil m disables it.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		m.ObserveHTTP(c.Request.Method, routeOf(c), c.Writer.Status(), time.Since(start))
	}
}

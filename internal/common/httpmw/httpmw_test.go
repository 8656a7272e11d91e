package httpmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentexec/internal/common/logger"
	"github.com/kandev/agentexec/internal/metrics"
)

func newRouter(m *metrics.Metrics) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(logger.Nop(), "test"), OtelTracing("test"), Metrics(m))
	r.GET("/api/executions/:id", func(c *gin.Context) {
		if c.Param("id") == "boom" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "boom"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})
	return r
}

func TestMiddleware_RecordsRouteTemplate(t *testing.T) {
	m := metrics.New()
	r := newRouter(m)

	for _, id := range []string{"a", "b", "boom"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/executions/"+id, nil))
		if id == "boom" {
			assert.Equal(t, http.StatusInternalServerError, w.Code)
		} else {
			assert.Equal(t, http.StatusOK, w.Code)
		}
	}

	expected := `
# HELP agentexec_api_requests_total HTTP requests by method, route and status code.
# TYPE agentexec_api_requests_total counter
agentexec_api_requests_total{method="GET",route="/api/executions/:id",status="200"} 2
agentexec_api_requests_total{method="GET",route="/api/executions/:id",status="500"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "agentexec_api_requests_total"))
}

func TestMiddleware_NilMetrics(t *testing.T) {
	r := newRouter(nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/executions/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

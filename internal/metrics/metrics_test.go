package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTransition("pending", "running")
		m.ObserveJob("ok", time.Second)
		m.ViewerConnected()
		m.ObserveHTTP("GET", "/health", 200, time.Millisecond)
	})
}

func TestTransitionsCounted(t *testing.T) {
	m := New()
	m.ObserveTransition("pending", "provisioning")
	m.ObserveTransition("pending", "provisioning")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ExecutionTransitions.WithLabelValues("pending", "provisioning")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ObserveInterrupt("attempted")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "agentexec_runtime_auto_interrupts_total"))
}

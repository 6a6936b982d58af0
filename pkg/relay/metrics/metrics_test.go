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

func TestMetrics_SessionLifecycle(t *testing.T) {
	m := New("test")

	m.RecordSessionStart()
	m.RecordSessionStart()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsActive))

	m.RecordSessionEnd("client_closed", 3*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("client_closed")))
}

func TestMetrics_UsageAndDenials(t *testing.T) {
	m := New("test")

	m.RecordUsage(10, 0, 0.5)
	m.RecordUsage(0, 4, 0)
	m.RecordDenial("duplicate_message")
	m.RecordRateLimitHit()
	m.RecordAudio("in", 3500)
	m.RecordAudio("in", 0)
	m.RecordUpstreamError("send")

	assert.Equal(t, 10.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues("input")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues("output")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.CostUSDTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DenialsTotal.WithLabelValues("duplicate_message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitHits))
	assert.Equal(t, 3500.0, testutil.ToFloat64(m.AudioBytesTotal.WithLabelValues("in")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamErrorsTotal.WithLabelValues("send")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSessionStart()
		m.RecordSessionEnd("x", time.Second)
		m.RecordEnvelope("ping")
		m.RecordUsage(1, 1, 1)
		m.RecordAudio("out", 1)
		m.RecordDenial("x")
		m.RecordRateLimitHit()
		m.RecordUpstreamError("receive")
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New("relay")
	m.RecordEnvelope("user_message")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), `relay_envelopes_total{type="user_message"} 1`))
}

package monitoring

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recorder(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.MessageSent("http")
	m.MessageSent("http")
	m.MessageSent("smtp")
	m.MessageSent("")
	m.MessagesFetched(3)
	m.OpenFailed()
	m.RetentionMaintained(nil)
	m.RetentionMaintained(errors.New("boom"))
	m.MessagesPurged(7)
	m.RecordRateLimitBlock("send")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("http")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("smtp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesSent.WithLabelValues("unknown")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FetchedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetentionRuns.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetentionRuns.WithLabelValues("error")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.PurgedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitBlocks.WithLabelValues("send")))
}

func TestMetrics_ClientGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebSocketClients))
}

func TestMetrics_HTTPHandler(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordHTTPRequest(http.MethodPost, "/messages", "201", 15*time.Millisecond)
	assert.Positive(t, m.SampleMemory())

	rec := httptest.NewRecorder()
	m.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `anondrop_http_requests_total{endpoint="/messages",method="POST",status_code="201"} 1`)
	assert.Contains(t, string(body), "anondrop_uptime_seconds")
	assert.Contains(t, string(body), "go_goroutines")
}

package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDependency struct{ err error }

func (s stubDependency) Health(context.Context) error { return s.err }

type slowDependency struct{}

func (slowDependency) Health(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestChecker_Endpoints(t *testing.T) {
	tests := []struct {
		name      string
		deps      map[string]error
		wantReady int
	}{
		{name: "全部正常", deps: map[string]error{"store": nil, "redis": nil}, wantReady: http.StatusOK},
		{name: "存储不可达", deps: map[string]error{"store": errors.New("down")}, wantReady: http.StatusServiceUnavailable},
		{name: "没有依赖", deps: nil, wantReady: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker(prometheus.NewRegistry(), 0, nil)
			for name, err := range tt.deps {
				checker.AddDependency(name, stubDependency{err: err}, time.Second)
			}

			rec := httptest.NewRecorder()
			checker.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			assert.Equal(t, tt.wantReady, rec.Code)

			rec = httptest.NewRecorder()
			checker.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
			assert.Equal(t, http.StatusOK, rec.Code, "存活检查不依赖外部服务")
		})
	}
}

func TestChecker_Report(t *testing.T) {
	checker := NewChecker(nil, 0, nil)
	checker.AddDependency("store", stubDependency{}, time.Second)
	checker.AddDependency("redis", stubDependency{err: errors.New("connection refused")}, time.Second)

	results, ok := checker.Report()
	assert.False(t, ok)
	assert.Equal(t, map[string]string{"store": "ok", "redis": "unavailable"}, results)
}

func TestChecker_Timeout(t *testing.T) {
	checker := NewChecker(nil, 0, nil)
	checker.AddDependency("store", slowDependency{}, 20*time.Millisecond)

	start := time.Now()
	results, ok := checker.Report()
	require.False(t, ok)
	assert.Equal(t, "unavailable", results["store"])
	assert.Less(t, time.Since(start), time.Second)
}

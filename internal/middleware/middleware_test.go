package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"anondrop/backend/internal/cache"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func perform(router *gin.Engine, method, target string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.RemoteAddr = "192.0.2.10:4321"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

type blockCounter struct{ scopes []string }

func (b *blockCounter) RecordRateLimitBlock(scope string) { b.scopes = append(b.scopes, scope) }

type failingLimiter struct{}

func (failingLimiter) IncrementRateLimit(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

func TestRateLimitByIP(t *testing.T) {
	counter := &blockCounter{}
	limiter := cache.NewLocalCache(0)

	router := gin.New()
	router.GET("/messages",
		RateLimitByIP(limiter, RateLimitConfig{Scope: "fetch", Max: 2, Window: time.Minute}, counter, nil),
		func(c *gin.Context) { c.Status(http.StatusOK) },
	)

	rec := perform(router, http.MethodGet, "/messages", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	rec = perform(router, http.MethodGet, "/messages", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = perform(router, http.MethodGet, "/messages", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"Too many requests"}`, rec.Body.String())
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"fetch"}, counter.scopes)

	t.Run("计数存储故障时放行", func(t *testing.T) {
		router := gin.New()
		router.GET("/messages",
			RateLimitByIP(failingLimiter{}, RateLimitConfig{Scope: "fetch", Max: 1, Window: time.Minute}, nil, nil),
			func(c *gin.Context) { c.Status(http.StatusOK) },
		)
		for i := 0; i < 3; i++ {
			assert.Equal(t, http.StatusOK, perform(router, http.MethodGet, "/messages", "").Code)
		}
	})
}

func TestBodySizeLimit(t *testing.T) {
	router := gin.New()
	router.Use(BodySizeLimit(16))
	router.POST("/messages", func(c *gin.Context) {
		buf := make([]byte, 64)
		_, err := c.Request.Body.Read(buf)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "未超限", body: `{"a":"b"}`, want: http.StatusOK},
		{name: "声明长度超限", body: strings.Repeat("x", 17), want: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, perform(router, http.MethodPost, "/messages", tt.body).Code)
		})
	}
}

func TestRequestLogger_OmitsQuery(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	router := gin.New()
	router.Use(RequestID(), RequestLogger(zap.New(core)))
	router.GET("/messages", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := perform(router, http.MethodGet, "/messages?anonCode=secret-code", "")
	require.Equal(t, http.StatusOK, rec.Code)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/messages", fields["path"])
	assert.NotContains(t, fields, "query")
	assert.Equal(t, rec.Header().Get(RequestIDHeader), fields["request_id"])
	for _, v := range fields {
		if s, ok := v.(string); ok {
			assert.NotContains(t, s, "secret-code")
		}
	}
}

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	t.Run("生成新的 ID", func(t *testing.T) {
		rec := perform(router, http.MethodGet, "/", "")
		_, err := uuid.Parse(rec.Header().Get(RequestIDHeader))
		assert.NoError(t, err)
	})

	t.Run("沿用客户端的 UUID", func(t *testing.T) {
		id := uuid.NewString()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, id)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, id, rec.Header().Get(RequestIDHeader))
	})

	t.Run("忽略非法值", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "<script>")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.NotEqual(t, "<script>", rec.Header().Get(RequestIDHeader))
	})
}

type panicCounter struct{ n int }

func (p *panicCounter) RecordPanic() { p.n++ }

func TestRecoveryHandler(t *testing.T) {
	counter := &panicCounter{}
	router := gin.New()
	router.Use(RecoveryHandler(nil, counter))
	router.GET("/boom", func(c *gin.Context) { panic("boom") })

	rec := perform(router, http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
	assert.Equal(t, 1, counter.n)
}

type httpRecorderStub struct {
	endpoint, status string
}

func (h *httpRecorderStub) RecordHTTPRequest(_, endpoint, statusCode string, _ time.Duration) {
	h.endpoint, h.status = endpoint, statusCode
}

func TestHTTPMetrics(t *testing.T) {
	stub := &httpRecorderStub{}
	router := gin.New()
	router.Use(HTTPMetrics(stub))
	router.GET("/messages", func(c *gin.Context) { c.Status(http.StatusOK) })

	perform(router, http.MethodGet, "/messages?anonCode=x", "")
	assert.Equal(t, "/messages", stub.endpoint)
	assert.Equal(t, "200", stub.status)

	perform(router, http.MethodGet, "/nope", "")
	assert.Equal(t, "unmatched", stub.endpoint)
	assert.Equal(t, "404", stub.status)
}

func TestSecurityHeaders(t *testing.T) {
	router := gin.New()
	router.Use(SecurityHeaders())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := perform(router, http.MethodGet, "/", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"anondrop/backend/internal/storage"
)

// RateLimitRecorder 记录被限流的请求
type RateLimitRecorder interface {
	RecordRateLimitBlock(scope string)
}

// RateLimitConfig 单个作用域的固定窗口限流配置
type RateLimitConfig struct {
	Scope  string
	Max    int64
	Window time.Duration
}

// RateLimitByIP 按客户端 IP 的固定窗口限流
//
// 计数存储出错时放行请求，只记录日志。
func RateLimitByIP(repo storage.RateLimitRepository, cfg RateLimitConfig, recorder RateLimitRecorder, log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	limit := strconv.FormatInt(cfg.Max, 10)

	return func(c *gin.Context) {
		key := cfg.Scope + ":" + c.ClientIP()
		count, err := repo.IncrementRateLimit(c.Request.Context(), key, cfg.Window)
		if err != nil {
			log.Warn("rate limit check failed, allowing request",
				zap.String("scope", cfg.Scope),
				zap.Error(err),
			)
			c.Next()
			return
		}

		remaining := cfg.Max - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > cfg.Max {
			if recorder != nil {
				recorder.RecordRateLimitBlock(cfg.Scope)
			}
			c.Header("Retry-After", strconv.Itoa(int(cfg.Window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many requests",
			})
			return
		}

		c.Next()
	}
}

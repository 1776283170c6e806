package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"anondrop/backend/internal/config"
	"anondrop/backend/internal/health"
	"anondrop/backend/internal/middleware"
	"anondrop/backend/internal/monitoring"
	"anondrop/backend/internal/storage"
	"anondrop/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	MessageService MessageSender
	WebSocketHub   *websocket.Hub              // 为空时不注册实时收件箱
	Health         *health.Checker             // 为空时 /health 只返回进程状态
	Metrics        *monitoring.Metrics         // 为空时不采集 HTTP 指标
	RateLimiter    storage.RateLimitRepository // 为空或未启用限流时不限流
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg := deps.Config

	router := gin.New()
	router.HandleMethodNotAllowed = true
	// 只有来自可信代理的 X-Forwarded-For 才参与 ClientIP，限流按真实连接地址计数
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		log.Error("invalid trusted proxies, trusting none", zap.Error(err))
		_ = router.SetTrustedProxies(nil)
	}

	var panics middleware.PanicRecorder
	if deps.Metrics != nil {
		panics = deps.Metrics
	}
	router.Use(middleware.RecoveryHandler(log, panics))
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	if deps.Metrics != nil {
		router.Use(middleware.HTTPMetrics(deps.Metrics))
	}
	router.Use(middleware.BodySizeLimit(cfg.Server.MaxBodyBytes))
	router.Use(gincors.New(corsConfig(cfg.CORS.AllowedOrigins)))

	router.NoRoute(func(c *gin.Context) { Fail(c, http.StatusNotFound, MsgNotFound) })
	router.NoMethod(func(c *gin.Context) { Fail(c, http.StatusMethodNotAllowed, MsgMethodNotAllowed) })

	sendLimit, fetchLimit := rateLimiters(deps, log)
	messages := NewMessageHandler(deps.MessageService, log)

	// 健康检查与指标
	router.GET("/health", healthHandler(deps.Health))
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// 匿名消息
	router.POST("/messages", append(sendLimit, messages.SendMessage)...)
	router.GET("/messages", append(fetchLimit, messages.FetchMessages)...)
	if deps.WebSocketHub != nil {
		router.GET("/messages/ws", append(fetchLimit, deps.WebSocketHub.Handler())...)
	}

	// 兼容旧部署的路径
	compat := router.Group("/api")
	{
		compat.POST("/send-message", append(sendLimit, messages.SendMessage)...)
		compat.GET("/fetch-message", append(fetchLimit, messages.FetchMessages)...)
	}

	return router
}

// corsConfig 构建 CORS 配置，允许所有来源时关闭凭证支持
func corsConfig(origins []string) gincors.Config {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cfg := gincors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader},
		ExposeHeaders: []string{
			"Content-Length",
			middleware.RequestIDHeader,
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"Retry-After",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			cfg.AllowOrigins = nil
			cfg.AllowCredentials = false
			break
		}
	}
	return cfg
}

// rateLimiters 返回发送和收取路由的限流中间件，未启用时为空
func rateLimiters(deps RouterDependencies, log *zap.Logger) (send, fetch []gin.HandlerFunc) {
	rl := deps.Config.RateLimit
	if !rl.Enabled || deps.RateLimiter == nil {
		return nil, nil
	}

	var recorder middleware.RateLimitRecorder
	if deps.Metrics != nil {
		recorder = deps.Metrics
	}
	send = []gin.HandlerFunc{middleware.RateLimitByIP(deps.RateLimiter,
		middleware.RateLimitConfig{Scope: "send", Max: rl.SendMax, Window: rl.Window}, recorder, log)}
	fetch = []gin.HandlerFunc{middleware.RateLimitByIP(deps.RateLimiter,
		middleware.RateLimitConfig{Scope: "fetch", Max: rl.FetchMax, Window: rl.Window}, recorder, log)}
	return send, fetch
}

// healthHandler 处理 GET /health，汇总所有就绪依赖
func healthHandler(checker *health.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if checker == nil {
			c.JSON(http.StatusOK, healthResponse{Status: "ok"})
			return
		}
		checks, ok := checker.Report()
		if !ok {
			c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "degraded", Checks: checks})
			return
		}
		c.JSON(http.StatusOK, healthResponse{Status: "ok", Checks: checks})
	}
}

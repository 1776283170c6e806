package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"anondrop/backend/internal/storage"
)

const (
	// DefaultCheckTimeout 单项就绪检查的超时
	DefaultCheckTimeout = 3 * time.Second
	// DefaultMaxGoroutines 存活检查允许的协程上限
	DefaultMaxGoroutines = 10000
)

// Checker 健康检查器
//
// 存活检查只看进程本身，就绪检查覆盖消息存储和 redis。
type Checker struct {
	handler healthcheck.Handler
	logger  *zap.Logger

	mu        sync.RWMutex
	readiness map[string]healthcheck.Check
}

// NewChecker 创建健康检查器，reg 非空时检查结果同时导出为 Prometheus 指标
func NewChecker(reg prometheus.Registerer, maxGoroutines int, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxGoroutines <= 0 {
		maxGoroutines = DefaultMaxGoroutines
	}

	var handler healthcheck.Handler
	if reg != nil {
		handler = healthcheck.NewMetricsHandler(reg, "anondrop")
	} else {
		handler = healthcheck.NewHandler()
	}

	c := &Checker{
		handler:   handler,
		logger:    logger.Named("health"),
		readiness: make(map[string]healthcheck.Check),
	}
	c.handler.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	return c
}

// AddDependency 注册一个就绪依赖
func (c *Checker) AddDependency(name string, dep storage.HealthChecker, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	check := healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return dep.Health(ctx)
	}, timeout)

	c.mu.Lock()
	c.readiness[name] = check
	c.mu.Unlock()

	c.handler.AddReadinessCheck(name, check)
}

// LiveEndpoint 存活检查
func (c *Checker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	c.handler.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查
func (c *Checker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	c.handler.ReadyEndpoint(w, r)
}

// Report 汇总所有就绪依赖的状态，ok 为 false 表示至少一项失败
//
// 返回的错误描述只用于日志，不直接暴露给客户端。
func (c *Checker) Report() (map[string]string, bool) {
	c.mu.RLock()
	names := make([]string, 0, len(c.readiness))
	for name := range c.readiness {
		names = append(names, name)
	}
	checks := make(map[string]healthcheck.Check, len(c.readiness))
	for name, check := range c.readiness {
		checks[name] = check
	}
	c.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		if err := checks[name](); err != nil {
			c.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			results[name] = "unavailable"
			healthy = false
			continue
		}
		results[name] = "ok"
	}
	return results, healthy
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"anondrop/backend/internal/cache"
	"anondrop/backend/internal/config"
	"anondrop/backend/internal/crypto"
	"anondrop/backend/internal/health"
	"anondrop/backend/internal/logger"
	"anondrop/backend/internal/monitoring"
	"anondrop/backend/internal/pool"
	"anondrop/backend/internal/service"
	"anondrop/backend/internal/smtp"
	"anondrop/backend/internal/storage"
	"anondrop/backend/internal/storage/factory"
	"anondrop/backend/internal/storage/redis"
	httptransport "anondrop/backend/internal/transport/http"
	"anondrop/backend/internal/websocket"
)

const (
	notifyWorkers   = 4
	notifyQueueSize = 1024
	memoryAlertMB   = 512.0
)

// main 启动 HTTP API、实时收件箱和可选的 SMTP 入口。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting anondrop server",
		zap.String("store", cfg.Store.Type),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.Bool("smtp", cfg.SMTP.Enabled),
	)

	// 密钥只派生一次，参数有误时直接退出
	sealer := crypto.NewSealer(cfg.Crypto.Pepper, cfg.Crypto.Salt)
	if _, err := sealer.DeriveKey(); err != nil {
		log.Fatal("failed to derive encryption key", zap.Error(err))
	}
	if cfg.Crypto.UsesDefaultSecrets() {
		log.Warn("ENCRYPTION_PEPPER / ENCRYPTION_SALT are using insecure built-in defaults; " +
			"anyone with this source can decrypt stored messages. Set both before deploying.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := factory.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize message store", zap.Error(err))
	}

	metrics := monitoring.NewMetrics(nil)
	healthChecker := health.NewChecker(prometheus.DefaultRegisterer, health.DefaultMaxGoroutines, log)
	healthChecker.AddDependency("store", store, health.DefaultCheckTimeout)

	messageService := service.NewMessageService(store, sealer, log)
	messageService.SetOperationTimeout(cfg.Store.OperationTimeout)
	messageService.SetMetrics(metrics)

	wsHub := websocket.NewHub(messageService, cfg.CORS.AllowedOrigins, log)
	wsHub.SetMetrics(metrics)

	workers := pool.NewWorkerPool(notifyWorkers, notifyQueueSize, log)

	// 配置了 Redis 时限流计数和新消息广播走 Redis，所有实例共享；否则只在进程内
	var (
		rateLimiter storage.RateLimitRepository
		redisClient *redis.Client
	)
	if cfg.Redis.Address != "" {
		redisClient, err = redis.New(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		rateLimiter = redisClient
		messageService.SetNotifier(redisClient, workers)
		healthChecker.AddDependency("redis", redisClient, health.DefaultCheckTimeout)
	} else {
		localCache := cache.NewLocalCache(time.Minute)
		defer localCache.Stop()
		rateLimiter = localCache
		messageService.SetNotifier(wsHub, workers)
		log.Info("redis not configured, rate limits and live inbox are per instance")
	}

	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.HighMemoryUsageRule(metrics, memoryAlertMB))
	alertManager.AddRule(monitoring.StoreUnreachableRule(store, health.DefaultCheckTimeout))
	alertManager.AddRule(monitoring.NotificationDropRule(workers.Dropped))

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		MessageService: messageService,
		WebSocketHub:   wsHub,
		Health:         healthChecker,
		Metrics:        metrics,
		RateLimiter:    rateLimiter,
		Logger:         log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var smtpServer *gosmtp.Server
	if cfg.SMTP.Enabled {
		smtpServer = smtp.NewServer(smtp.NewBackend(messageService, cfg.SMTP.Domain, cfg.SMTP.MaxMessageBytes, log), cfg.SMTP)
	}

	// 启动时先维护一次过期策略，失败不影响收发
	if err := messageService.MaintainRetention(ctx); err != nil {
		log.Error("initial retention maintenance failed", zap.Error(err))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	workers.Start(groupCtx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	if smtpServer != nil {
		group.Go(func() error {
			listener, err := net.Listen("tcp", cfg.SMTP.BindAddr)
			if err != nil {
				return fmt.Errorf("listen smtp: %w", err)
			}
			log.Info("starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			limited := smtp.NewLimitedListener(listener, cfg.SMTP.ConnRate, cfg.SMTP.ConnBurst, log)
			if err := smtpServer.Serve(limited); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	if redisClient != nil {
		group.Go(func() error {
			return redisClient.ListenInbox(groupCtx, wsHub.Dispatch)
		})
	}

	// 定时维护过期索引
	group.Go(func() error {
		ticker := time.NewTicker(cfg.Retention.MaintenanceInterval)
		defer ticker.Stop()

		log.Info("starting retention maintenance task", zap.Duration("interval", cfg.Retention.MaintenanceInterval))
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if err := messageService.MaintainRetention(groupCtx); err != nil {
					log.Error("retention maintenance failed", zap.Error(err))
				}
			}
		}
	})

	// 没有 TTL 监视器的后端需要定时物理删除
	if messageService.SupportsPurge() {
		group.Go(func() error {
			ticker := time.NewTicker(cfg.Retention.PurgeInterval)
			defer ticker.Stop()

			log.Info("starting expired message purge task", zap.Duration("interval", cfg.Retention.PurgeInterval))
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					if _, err := messageService.PurgeExpired(groupCtx); err != nil {
						log.Error("failed to purge expired messages", zap.Error(err))
					}
				}
			}
		})
	}

	group.Go(func() error {
		alertManager.StartMonitoring(groupCtx, time.Minute)
		return nil
	})

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if smtpServer != nil {
			if err := smtpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn("SMTP server shutdown warning", zap.Error(err))
			}
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
	}

	workers.Stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Warn("failed to close redis client", zap.Error(err))
		}
	}
	if err := store.Close(closeCtx); err != nil {
		log.Warn("failed to close message store", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

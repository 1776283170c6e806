package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"anondrop/backend/internal/config"
	"anondrop/backend/internal/logger"
	"anondrop/backend/internal/storage"
	"anondrop/backend/internal/storage/factory"
)

// main 对配置的存储执行一次过期策略维护，可选地删除已过期的记录。
//
// 用法:
//
//	go run ./cmd/maintain            # 只维护过期索引
//	go run ./cmd/maintain -purge     # 同时删除过期记录（SQL / 内存后端）
func main() {
	purge := flag.Bool("purge", false, "删除已过期的记录（仅对没有 TTL 能力的后端生效）")
	timeout := flag.Duration("timeout", time.Minute, "整体超时时间")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 无法加载配置: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: 无法初始化日志: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log, *purge, *timeout); err != nil {
		log.Error("maintenance failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger, purge bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store, err := factory.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			log.Warn("failed to close message store", zap.Error(err))
		}
	}()

	if err := store.EnsureRetentionPolicy(ctx); err != nil {
		return fmt.Errorf("ensure retention policy: %w", err)
	}
	log.Info("retention policy is in place", zap.String("store", cfg.Store.Type))

	if !purge {
		return nil
	}
	purger, ok := store.(storage.ExpiredMessagePurger)
	if !ok {
		log.Info("store expires messages on its own, nothing to purge")
		return nil
	}
	removed, err := purger.PurgeExpiredMessages(ctx)
	if err != nil {
		return fmt.Errorf("purge expired messages: %w", err)
	}
	log.Info("expired messages purged", zap.Int64("count", removed))
	return nil
}

package factory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"anondrop/backend/internal/config"
	"anondrop/backend/internal/storage"
	"anondrop/backend/internal/storage/memory"
	"anondrop/backend/internal/storage/mongo"
	sqlstore "anondrop/backend/internal/storage/sql"
)

// Open 按 store.type 创建消息存储
//
// 连接失败直接返回错误，由调用方决定是否退出进程。
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	switch cfg.Store.Type {
	case config.StoreMongo:
		store, err := mongo.NewStore(ctx, cfg.MongoDB, log)
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		return store, nil

	case config.StorePostgres, config.StoreMySQL:
		store, err := sqlstore.NewStore(ctx, cfg.Store.Type, cfg.Database, log)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Store.Type, err)
		}
		return store, nil

	case config.StoreMemory:
		log.Warn("using memory storage, messages are lost on restart")
		return memory.NewStore(), nil

	default:
		return nil, fmt.Errorf("unsupported store type %q", cfg.Store.Type)
	}
}

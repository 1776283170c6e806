package storage

import (
	"context"
	"errors"
	"time"

	"anondrop/backend/internal/domain"
)

var (
	// ErrStoreUnavailable 表示存储暂时不可达（网络错误或超时），调用方可以重试
	ErrStoreUnavailable = errors.New("message store unavailable")
	// ErrContainerNotFound 表示消息集合/表尚不存在，只在过期策略维护中被忽略
	ErrContainerNotFound = errors.New("message container not found")
)

// MessageRepository 定义消息数据存取操作。
type MessageRepository interface {
	// InsertMessage 写入一条记录，由存储分配 ID 和 CreatedAt
	InsertMessage(ctx context.Context, message *domain.Message) error
	// ListMessagesByRecipient 按 CreatedAt 倒序返回收件哈希下未过期的记录
	ListMessagesByRecipient(ctx context.Context, lookupHash string) ([]domain.Message, error)
}

// RetentionRepository 定义过期策略维护操作。
type RetentionRepository interface {
	// EnsureRetentionPolicy 保证恰好存在一个窗口为 domain.RetentionWindow 的过期索引，幂等
	EnsureRetentionPolicy(ctx context.Context) error
}

// ExpiredMessagePurger 由没有 TTL 能力的后端实现，按窗口物理删除过期记录。
type ExpiredMessagePurger interface {
	PurgeExpiredMessages(ctx context.Context) (int64, error)
}

// RateLimitRepository 定义固定窗口限流计数。
type RateLimitRepository interface {
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// HealthChecker 用于就绪检查。
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Store 聚合消息存储后端必须实现的接口。
type Store interface {
	MessageRepository
	RetentionRepository
	HealthChecker
	Close(ctx context.Context) error
}

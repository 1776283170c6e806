package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"anondrop/backend/internal/domain"
	"anondrop/backend/internal/storage"
)

// Store 使用内存保存消息，主要用于开发验证和测试。
//
// 行为与文档存储保持一致：第一次写入前集合不存在，过期索引需要由
// EnsureRetentionPolicy 建立；后台没有 TTL 监视器，过期记录由 PurgeExpiredMessages 删除。
type Store struct {
	mu          sync.RWMutex
	messages    map[string][]*domain.Message // lookupHash -> 按写入顺序排列的记录
	lastCreated time.Time
	collection  bool
	expiry      *storage.ExpiryIndex

	// 速率限制相关
	rateLimits        map[string]*rateLimitEntry
	rateLimitsCleanup time.Time

	now func() time.Time
}

// rateLimitEntry 速率限制条目
type rateLimitEntry struct {
	Count     int64
	ExpiresAt time.Time
}

// Option 配置内存存储
type Option func(*Store)

// WithClock 替换时间源，测试中用来控制 CreatedAt 和过期
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore 创建一个内存存储实例。
func NewStore(opts ...Option) *Store {
	s := &Store{
		messages:   make(map[string][]*domain.Message),
		rateLimits: make(map[string]*rateLimitEntry),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ storage.Store                = (*Store)(nil)
	_ storage.ExpiredMessagePurger = (*Store)(nil)
	_ storage.RateLimitRepository  = (*Store)(nil)
	_ storage.RetentionInspector   = (*Store)(nil)
)

// InsertMessage 写入消息，CreatedAt 单调不减
func (s *Store) InsertMessage(ctx context.Context, message *domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if now.Before(s.lastCreated) {
		now = s.lastCreated
	}
	s.lastCreated = now

	message.ID = uuid.NewString()
	message.CreatedAt = now

	stored := *message
	s.messages[message.RecipientLookupHash] = append(s.messages[message.RecipientLookupHash], &stored)
	s.collection = true
	return nil
}

// ListMessagesByRecipient 按时间倒序返回未过期记录，同一时间的记录后写入的在前
func (s *Store) ListMessagesByRecipient(ctx context.Context, lookupHash string) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().UTC().Add(-domain.RetentionWindow)
	records := s.messages[lookupHash]

	result := make([]domain.Message, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].CreatedAt.After(cutoff) {
			result = append(result, *records[i])
		}
	}
	return result, nil
}

// EnsureRetentionPolicy 维护过期索引
func (s *Store) EnsureRetentionPolicy(ctx context.Context) error {
	_, err := storage.ReconcileRetention(ctx, s, domain.RetentionWindow)
	return err
}

// InspectExpiry 返回当前过期索引
func (s *Store) InspectExpiry(ctx context.Context) (*storage.ExpiryIndex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.collection {
		return nil, storage.ErrContainerNotFound
	}
	if s.expiry == nil {
		return nil, nil
	}
	idx := *s.expiry
	return &idx, nil
}

// CreateExpiry 创建过期索引，已存在相同窗口时为空操作
func (s *Store) CreateExpiry(ctx context.Context, window time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.collection = true
	s.expiry = &storage.ExpiryIndex{Name: "createdAt_1", Window: window}
	return nil
}

// DropExpiry 删除过期索引，不存在时不报错
func (s *Store) DropExpiry(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.expiry = nil
	return nil
}

// ExpiryIndex 返回当前过期索引的副本，未建立时返回 nil
func (s *Store) ExpiryIndex() *storage.ExpiryIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.expiry == nil {
		return nil
	}
	idx := *s.expiry
	return &idx
}

// PurgeExpiredMessages 删除超过保留窗口的记录，返回删除数量
func (s *Store) PurgeExpiredMessages(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	window := domain.RetentionWindow
	if s.expiry != nil {
		window = s.expiry.Window
	}
	cutoff := s.now().UTC().Add(-window)

	var removed int64
	for hash, records := range s.messages {
		kept := records[:0]
		for _, rec := range records {
			if rec.CreatedAt.After(cutoff) {
				kept = append(kept, rec)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(s.messages, hash)
		} else {
			s.messages[hash] = kept
		}
	}
	return removed, nil
}

// Count 返回当前保存的记录数（包括尚未清理的过期记录）
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, records := range s.messages {
		total += len(records)
	}
	return total
}

// IncrementRateLimit 增加限流计数，窗口结束后重新计数
func (s *Store) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// 每5分钟清理一次过期条目
	if now.After(s.rateLimitsCleanup) {
		for k, v := range s.rateLimits {
			if now.After(v.ExpiresAt) {
				delete(s.rateLimits, k)
			}
		}
		s.rateLimitsCleanup = now.Add(5 * time.Minute)
	}

	entry, exists := s.rateLimits[key]
	if !exists || now.After(entry.ExpiresAt) {
		s.rateLimits[key] = &rateLimitEntry{Count: 1, ExpiresAt: now.Add(window)}
		return 1, nil
	}

	entry.Count++
	return entry.Count, nil
}

// Health 内存存储始终可用
func (s *Store) Health(context.Context) error {
	return nil
}

// Close 内存存储无需释放资源
func (s *Store) Close(context.Context) error {
	return nil
}

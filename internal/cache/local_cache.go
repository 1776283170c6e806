package cache

import (
	"context"
	"sync"
	"time"

	"anondrop/backend/internal/storage"
)

// LocalCache 本地内存计数器
//
// 没有配置 Redis 时作为限流计数的存储，只在单实例内有效。
// 过期条目由后台协程定期清理，Stop 后停止清理。
type LocalCache struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

var _ storage.RateLimitRepository = (*LocalCache)(nil)

// NewLocalCache 创建本地计数器，cleanupInterval 为清理间隔
func NewLocalCache(cleanupInterval time.Duration) *LocalCache {
	c := &LocalCache{
		entries: make(map[string]*counterEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	}
	return c
}

// IncrementRateLimit 增加固定窗口计数，窗口从第一次计数开始
func (c *LocalCache) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.entries[key]
	if !ok || !now.Before(entry.expiresAt) {
		c.entries[key] = &counterEntry{count: 1, expiresAt: now.Add(window)}
		return 1, nil
	}

	entry.count++
	return entry.count, nil
}

// Len 返回当前条目数（包括尚未清理的过期条目）
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stop 停止后台清理
func (c *LocalCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanupLoop 定期清理过期条目
func (c *LocalCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *LocalCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

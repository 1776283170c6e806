package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCache_IncrementRateLimit(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c := NewLocalCache(0)
	c.now = func() time.Time { return now }

	for i := int64(1); i <= 3; i++ {
		n, err := c.IncrementRateLimit(ctx, "fetch:10.0.0.1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	t.Run("不同键独立计数", func(t *testing.T) {
		n, err := c.IncrementRateLimit(ctx, "fetch:10.0.0.2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("窗口结束后重新计数", func(t *testing.T) {
		now = now.Add(time.Minute)
		n, err := c.IncrementRateLimit(ctx, "fetch:10.0.0.1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("清理过期条目", func(t *testing.T) {
		now = now.Add(time.Hour)
		c.evictExpired()
		assert.Zero(t, c.Len())
	})

	t.Run("取消的上下文", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := c.IncrementRateLimit(cctx, "k", time.Minute)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLocalCache_Concurrent(t *testing.T) {
	c := NewLocalCache(time.Millisecond)
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.IncrementRateLimit(context.Background(), "shared", time.Hour)
		}()
	}
	wg.Wait()

	n, err := c.IncrementRateLimit(context.Background(), "shared", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(101), n)

	c.Stop()
}

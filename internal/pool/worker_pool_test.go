package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPool(t *testing.T) {
	t.Run("执行所有提交的任务", func(t *testing.T) {
		p := NewWorkerPool(4, 100, nil)
		p.Start(context.Background())

		var done atomic.Int64
		for i := 0; i < 50; i++ {
			assert.True(t, p.TrySubmit(func(context.Context) { done.Add(1) }))
		}
		p.Stop()

		assert.Equal(t, int64(50), done.Load())
		assert.Zero(t, p.Dropped())
	})

	t.Run("队列满时丢弃", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)
		block := make(chan struct{})
		started := make(chan struct{})
		p.Start(context.Background())

		assert.True(t, p.TrySubmit(func(context.Context) {
			close(started)
			<-block
		}))
		<-started
		assert.True(t, p.TrySubmit(func(context.Context) {}))
		assert.False(t, p.TrySubmit(func(context.Context) {}))
		assert.Equal(t, int64(1), p.Dropped())

		close(block)
		p.Stop()
	})

	t.Run("停止后拒绝任务且可重复停止", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)
		p.Start(context.Background())
		p.Stop()
		p.Stop()

		assert.False(t, p.TrySubmit(func(context.Context) {}))
	})

	t.Run("任务panic不影响后续任务", func(t *testing.T) {
		p := NewWorkerPool(1, 10, nil)
		p.Start(context.Background())

		var done atomic.Bool
		p.TrySubmit(func(context.Context) { panic("boom") })
		p.TrySubmit(func(context.Context) { done.Store(true) })
		p.Stop()

		assert.True(t, done.Load())
	})

	t.Run("上下文取消后工作协程退出", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := NewWorkerPool(2, 1, nil)
		p.Start(ctx)
		cancel()

		finished := make(chan struct{})
		go func() {
			p.Stop()
			close(finished)
		}()

		select {
		case <-finished:
		case <-time.After(time.Second):
			t.Fatal("pool did not stop")
		}
	})
}

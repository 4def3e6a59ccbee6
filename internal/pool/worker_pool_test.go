package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool(t *testing.T) {
	t.Run("关闭时排空队列", func(t *testing.T) {
		p := NewWorkerPool("test", 2, 100, nil)
		p.Start()

		var count int64
		for i := 0; i < 50; i++ {
			require.True(t, p.TrySubmit(func() { atomic.AddInt64(&count, 1) }))
		}

		require.NoError(t, p.Shutdown(context.Background()))
		assert.Equal(t, int64(50), atomic.LoadInt64(&count))
	})

	t.Run("关闭后拒绝提交", func(t *testing.T) {
		p := NewWorkerPool("test", 1, 1, nil)
		p.Start()
		require.NoError(t, p.Shutdown(context.Background()))

		assert.False(t, p.TrySubmit(func() {}))
		// 重复关闭不会 panic
		assert.NoError(t, p.Shutdown(context.Background()))
	})

	t.Run("队列满时立即返回", func(t *testing.T) {
		p := NewWorkerPool("test", 1, 1, nil)
		block := make(chan struct{})
		started := make(chan struct{})
		p.Start()

		require.True(t, p.TrySubmit(func() { close(started); <-block }))
		<-started
		require.True(t, p.TrySubmit(func() {}))
		assert.False(t, p.TrySubmit(func() {}))

		close(block)
		require.NoError(t, p.Shutdown(context.Background()))
	})

	t.Run("panic 不影响后续任务", func(t *testing.T) {
		p := NewWorkerPool("test", 1, 10, nil)
		p.Start()

		var ran int64
		p.TrySubmit(func() { panic("boom") })
		p.TrySubmit(func() { atomic.AddInt64(&ran, 1) })

		require.NoError(t, p.Shutdown(context.Background()))
		assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
	})

	t.Run("排空超时", func(t *testing.T) {
		p := NewWorkerPool("test", 1, 1, nil)
		block := make(chan struct{})
		p.Start()
		p.TrySubmit(func() { <-block })

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
		close(block)
	})
}

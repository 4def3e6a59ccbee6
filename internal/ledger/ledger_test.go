package ledger_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/ledger"
	"iotmarket/backend/internal/ledger/memory"
	"iotmarket/backend/internal/retry"
)

// flaky 前 n 次读取 epoch 失败
type flaky struct {
	*memory.Ledger
	failures int64
	calls    int64
}

func (f *flaky) CurrentEpoch(ctx context.Context) (uint64, error) {
	if atomic.AddInt64(&f.calls, 1) <= f.failures {
		return 0, errors.New("connection reset")
	}
	return f.Ledger.CurrentEpoch(ctx)
}

func (f *flaky) UpdateFeedData(ctx context.Context, feedID, blobID string) (*ledger.TxResult, error) {
	atomic.AddInt64(&f.calls, 1)
	return nil, errors.New("connection reset")
}

func fastPolicy() retry.Policy {
	return retry.Policy{Retries: 2, Delay: time.Millisecond, Timeout: time.Second}
}

func TestResilientReads(t *testing.T) {
	ctx := context.Background()

	t.Run("读操作重试后成功", func(t *testing.T) {
		f := &flaky{Ledger: memory.New(), failures: 2}
		r := ledger.NewResilient(f, fastPolicy(), nil, nil)

		epoch, err := r.CurrentEpoch(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), epoch)
		assert.Equal(t, int64(3), atomic.LoadInt64(&f.calls))
	})

	t.Run("重试耗尽返回上游错误", func(t *testing.T) {
		f := &flaky{Ledger: memory.New(), failures: 10}
		r := ledger.NewResilient(f, fastPolicy(), nil, nil)

		_, err := r.CurrentEpoch(ctx)
		require.Error(t, err)
		assert.Equal(t, domain.KindUpstream, domain.KindOf(err))
	})

	t.Run("不存在不重试也不包装", func(t *testing.T) {
		r := ledger.NewResilient(memory.New(), fastPolicy(), nil, nil)
		_, err := r.GetFeed(ctx, "0xmissing")
		assert.True(t, ledger.IsNotFound(err))
	})
}

func TestResilientWritesDoNotRetry(t *testing.T) {
	f := &flaky{Ledger: memory.New()}
	r := ledger.NewResilient(f, fastPolicy(), nil, nil)

	_, err := r.UpdateFeedData(context.Background(), "0x1", "blob")
	require.Error(t, err)
	assert.Equal(t, domain.KindUpstream, domain.KindOf(err))
	assert.Equal(t, int64(1), atomic.LoadInt64(&f.calls))
}

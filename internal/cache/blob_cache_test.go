package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iotmarket/backend/internal/domain"
)

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (failingBackend) Set(context.Context, string, []byte) error { return errors.New("connection refused") }
func (failingBackend) Delete(context.Context, ...string) error   { return errors.New("connection refused") }

func TestBlobCache(t *testing.T) {
	ctx := context.Background()

	t.Run("写入后立即读取", func(t *testing.T) {
		c := NewBlobCache(NewMemoryBackend(16, time.Minute), nil, nil)
		key := DataKey("0xfeed", "blob-1", "")

		c.Put(ctx, key, domain.Payload(`{"t":1}`))
		got, ok := c.Get(ctx, key)
		require.True(t, ok)
		assert.JSONEq(t, `{"t":1}`, string(got))
	})

	t.Run("过期后视为不存在", func(t *testing.T) {
		c := NewBlobCache(NewMemoryBackend(16, 30*time.Millisecond), nil, nil)
		key := PreviewKey("0xfeed", "blob-1")
		c.Put(ctx, key, domain.Payload(`[1]`))

		assert.Eventually(t, func() bool {
			_, ok := c.Get(ctx, key)
			return !ok
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("预览与完整数据不共享键", func(t *testing.T) {
		c := NewBlobCache(NewMemoryBackend(16, time.Minute), nil, nil)
		c.Put(ctx, PreviewKey("0xfeed", "blob-1"), domain.Payload(`[1]`))

		_, ok := c.Get(ctx, DataKey("0xfeed", "blob-1", ""))
		assert.False(t, ok)
	})

	t.Run("解密密钥参与键", func(t *testing.T) {
		assert.NotEqual(t, DataKey("f", "b", "k1"), DataKey("f", "b", "k2"))
		assert.NotEqual(t, DataKey("f", "b", ""), DataKey("f", "b", "k1"))
		assert.NotContains(t, DataKey("f", "b", "secret-key"), "secret-key")
	})

	t.Run("后端故障按未命中处理", func(t *testing.T) {
		c := NewBlobCache(failingBackend{}, nil, nil)
		assert.NotPanics(t, func() {
			c.Put(ctx, "data:x:y", domain.Payload(`1`))
			c.Invalidate(ctx, "data:x:y")
		})
		_, ok := c.Get(ctx, "data:x:y")
		assert.False(t, ok)
	})

	t.Run("显式失效", func(t *testing.T) {
		backend := NewMemoryBackend(16, time.Minute)
		c := NewBlobCache(backend, nil, nil)
		c.Put(ctx, "preview:a:b", domain.Payload(`1`))
		c.Invalidate(ctx, "preview:a:b")
		assert.Equal(t, 0, backend.Len())
	})
}

func TestMemoryBackendCopiesValue(t *testing.T) {
	backend := NewMemoryBackend(4, time.Minute)
	value := []byte("abc")
	require.NoError(t, backend.Set(context.Background(), "k", value))
	value[0] = 'x'

	got, ok, err := backend.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", string(got))
}

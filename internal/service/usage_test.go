package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/pool"
	"iotmarket/backend/internal/storage/memory"
)

// MockUsageRepository 模拟用量存储
type MockUsageRepository struct {
	mock.Mock
}

func (m *MockUsageRepository) AppendUsage(ctx context.Context, record *domain.UsageRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockUsageRepository) ListUsage(ctx context.Context, query domain.UsageQuery) ([]domain.UsageRecord, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.UsageRecord), args.Error(1)
}

func TestUsageRecorder(t *testing.T) {
	t.Run("后台写入", func(t *testing.T) {
		store := memory.NewStore()
		workers := pool.NewWorkerPool("usage", 2, 16, nil)
		workers.Start()
		recorder := NewUsageRecorder(store, workers, nil, nil)

		for i := 0; i < 5; i++ {
			recorder.Record(domain.UsageRecord{APIKeyID: "key-1", Endpoint: "/api/feeds/0x1/data", Method: "GET", StatusCode: 200})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, workers.Shutdown(ctx))

		records, err := store.ListUsage(context.Background(), domain.UsageQuery{APIKeyIDs: []string{"key-1"}})
		require.NoError(t, err)
		assert.Len(t, records, 5)
		assert.False(t, records[0].Timestamp.IsZero())
	})

	t.Run("写入失败不影响调用方", func(t *testing.T) {
		repo := new(MockUsageRepository)
		repo.On("AppendUsage", mock.Anything, mock.AnythingOfType("*domain.UsageRecord")).Return(errors.New("connection refused"))

		recorder := NewUsageRecorder(repo, nil, nil, nil)
		assert.NotPanics(t, func() {
			recorder.Record(domain.UsageRecord{APIKeyID: "key-1"})
		})
		repo.AssertNumberOfCalls(t, "AppendUsage", 1)
	})

	t.Run("池已关闭时丢弃", func(t *testing.T) {
		repo := new(MockUsageRepository)
		workers := pool.NewWorkerPool("usage", 1, 1, nil)
		workers.Start()
		require.NoError(t, workers.Shutdown(context.Background()))

		recorder := NewUsageRecorder(repo, workers, nil, nil)
		recorder.Record(domain.UsageRecord{APIKeyID: "key-1"})
		repo.AssertNotCalled(t, "AppendUsage", mock.Anything, mock.Anything)
	})
}

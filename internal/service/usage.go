package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/monitoring"
	"iotmarket/backend/internal/pool"
	"iotmarket/backend/internal/storage"
)

const usageWriteTimeout = 5 * time.Second

// UsageRecorder 异步记录已授权请求的用量
//
// 提交永不阻塞请求；队列满或写入失败只记录日志和指标。
type UsageRecorder struct {
	repo    storage.UsageRepository
	pool    *pool.WorkerPool
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewUsageRecorder 创建用量记录器，workers 为 nil 时同步写入
func NewUsageRecorder(repo storage.UsageRepository, workers *pool.WorkerPool, metrics *monitoring.Metrics, log *zap.Logger) *UsageRecorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &UsageRecorder{
		repo:    repo,
		pool:    workers,
		metrics: metrics,
		log:     log.Named("usage"),
	}
}

// Record 提交一条用量记录
func (r *UsageRecorder) Record(record domain.UsageRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), usageWriteTimeout)
		defer cancel()
		if err := r.repo.AppendUsage(ctx, &record); err != nil {
			r.metrics.RecordUsage(false)
			r.log.Warn("failed to persist usage record",
				zap.String("credential_id", record.APIKeyID),
				zap.String("endpoint", record.Endpoint),
				zap.Error(err))
			return
		}
		r.metrics.RecordUsage(true)
	}

	if r.pool == nil {
		task()
		return
	}
	if !r.pool.TrySubmit(task) {
		r.metrics.RecordUsage(false)
		r.log.Warn("usage queue full, record dropped", zap.String("credential_id", record.APIKeyID))
	}
}

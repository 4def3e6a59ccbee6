package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/monitoring"
	"iotmarket/backend/internal/retry"
)

// TxResult 变更交易结果
type TxResult struct {
	Digest   string `json:"transactionDigest"`
	ObjectID string `json:"objectId,omitempty"` // 新建对象 ID（feed、subscription、rating）
}

// Reader 账本只读操作，对象不存在时返回包装了 domain.ErrObjectNotFound 的错误
type Reader interface {
	GetFeed(ctx context.Context, feedID string) (*domain.Feed, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*domain.Subscription, error)
	CurrentEpoch(ctx context.Context) (uint64, error)
	ListFeeds(ctx context.Context) ([]domain.Feed, error)
	ListSubscriptionsByConsumer(ctx context.Context, consumer string) ([]domain.Subscription, error)
}

// Writer 账本变更操作，调用方不得自动重试
type Writer interface {
	RegisterFeed(ctx context.Context, provider string, meta domain.FeedMetadata, blobID string) (*TxResult, error)
	UpdateFeedData(ctx context.Context, feedID, blobID string) (*TxResult, error)
	Subscribe(ctx context.Context, consumer, feedID string, tier domain.SubscriptionTier, payment uint64) (*TxResult, error)
	SubmitRating(ctx context.Context, rating domain.Rating) (*TxResult, error)
}

// Ledger 账本协作者
type Ledger interface {
	Reader
	Writer
}

// IsNotFound 判断是否为对象不存在
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrObjectNotFound)
}

// Resilient 为账本调用加上超时、只读重试和指标
//
// 读操作按 Policy 重试（对象不存在不重试）；写操作只执行一次。
type Resilient struct {
	next    Ledger
	policy  retry.Policy
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewResilient 包装账本客户端
func NewResilient(next Ledger, policy retry.Policy, metrics *monitoring.Metrics, log *zap.Logger) *Resilient {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resilient{next: next, policy: policy, metrics: metrics, log: log.Named("ledger")}
}

var _ Ledger = (*Resilient)(nil)

func read[T any](ctx context.Context, r *Resilient, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	value, err := retry.Do(ctx, r.policy, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		if err != nil && IsNotFound(err) {
			return v, retry.Permanent(err)
		}
		return v, err
	})
	if err != nil && !IsNotFound(err) {
		r.metrics.RecordUpstream("ledger", op, time.Since(start), err)
		r.log.Warn("ledger read failed", zap.String("operation", op), zap.Error(err))
		return value, domain.Upstream("Ledger unavailable", err)
	}
	r.metrics.RecordUpstream("ledger", op, time.Since(start), nil)
	return value, err
}

func write(ctx context.Context, r *Resilient, op string, fn func(ctx context.Context) (*TxResult, error)) (*TxResult, error) {
	start := time.Now()
	result, err := retry.Once(ctx, r.policy.Timeout, fn)
	r.metrics.RecordUpstream("ledger", op, time.Since(start), err)
	if err != nil {
		r.log.Error("ledger transaction failed", zap.String("operation", op), zap.Error(err))
		if IsNotFound(err) {
			return nil, err
		}
		return nil, domain.Upstream("Ledger transaction failed", err)
	}
	return result, nil
}

// GetFeed 读取 feed
func (r *Resilient) GetFeed(ctx context.Context, feedID string) (*domain.Feed, error) {
	return read(ctx, r, "get_feed", func(ctx context.Context) (*domain.Feed, error) {
		return r.next.GetFeed(ctx, feedID)
	})
}

// GetSubscription 读取订阅
func (r *Resilient) GetSubscription(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	return read(ctx, r, "get_subscription", func(ctx context.Context) (*domain.Subscription, error) {
		return r.next.GetSubscription(ctx, subscriptionID)
	})
}

// CurrentEpoch 读取当前 epoch
func (r *Resilient) CurrentEpoch(ctx context.Context) (uint64, error) {
	return read(ctx, r, "current_epoch", r.next.CurrentEpoch)
}

// ListFeeds 列出全部 feed
func (r *Resilient) ListFeeds(ctx context.Context) ([]domain.Feed, error) {
	return read(ctx, r, "list_feeds", r.next.ListFeeds)
}

// ListSubscriptionsByConsumer 列出消费者的订阅
func (r *Resilient) ListSubscriptionsByConsumer(ctx context.Context, consumer string) ([]domain.Subscription, error) {
	return read(ctx, r, "list_subscriptions", func(ctx context.Context) ([]domain.Subscription, error) {
		return r.next.ListSubscriptionsByConsumer(ctx, consumer)
	})
}

// RegisterFeed 注册 feed
func (r *Resilient) RegisterFeed(ctx context.Context, provider string, meta domain.FeedMetadata, blobID string) (*TxResult, error) {
	return write(ctx, r, "register_feed", func(ctx context.Context) (*TxResult, error) {
		return r.next.RegisterFeed(ctx, provider, meta, blobID)
	})
}

// UpdateFeedData 更新 feed 数据指针
func (r *Resilient) UpdateFeedData(ctx context.Context, feedID, blobID string) (*TxResult, error) {
	return write(ctx, r, "update_feed_data", func(ctx context.Context) (*TxResult, error) {
		return r.next.UpdateFeedData(ctx, feedID, blobID)
	})
}

// Subscribe 创建订阅
func (r *Resilient) Subscribe(ctx context.Context, consumer, feedID string, tier domain.SubscriptionTier, payment uint64) (*TxResult, error) {
	return write(ctx, r, "subscribe", func(ctx context.Context) (*TxResult, error) {
		return r.next.Subscribe(ctx, consumer, feedID, tier, payment)
	})
}

// SubmitRating 提交评分
func (r *Resilient) SubmitRating(ctx context.Context, rating domain.Rating) (*TxResult, error) {
	return write(ctx, r, "submit_rating", func(ctx context.Context) (*TxResult, error) {
		return r.next.SubmitRating(ctx, rating)
	})
}

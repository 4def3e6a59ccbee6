package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/ledger"
)

// 各档位订阅的有效 epoch 数
const (
	PayPerQueryEpochs = 1
	MonthlyEpochs     = 30
)

// Ledger 进程内账本，用于本地开发和测试
//
// epoch 时钟由调用方显式推进，与墙钟无关。
type Ledger struct {
	mu            sync.RWMutex
	epoch         uint64
	feeds         map[string]*domain.Feed
	order         []string // feed 注册顺序
	subscriptions map[string]*domain.Subscription
	ratings       []domain.Rating
	failures      map[string]error
	now           func() time.Time
}

// New 创建内存账本
func New() *Ledger {
	return &Ledger{
		epoch:         1,
		feeds:         make(map[string]*domain.Feed),
		subscriptions: make(map[string]*domain.Subscription),
		failures:      make(map[string]error),
		now:           time.Now,
	}
}

var _ ledger.Ledger = (*Ledger)(nil)

// NewObjectID 生成 0x 开头的对象 ID
func NewObjectID() string {
	return "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SetEpoch 设置当前 epoch
func (l *Ledger) SetEpoch(epoch uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.epoch = epoch
}

// AdvanceEpoch 推进 epoch
func (l *Ledger) AdvanceEpoch(n uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.epoch += n
	return l.epoch
}

// FailOn 让指定操作返回错误，err 为 nil 时恢复
//
// 操作名: get_feed、get_subscription、current_epoch、list_feeds、list_subscriptions、
// register_feed、update_feed_data、subscribe、submit_rating
func (l *Ledger) FailOn(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failures, op)
		return
	}
	l.failures[op] = err
}

// PutFeed 直接写入 feed（测试用）
func (l *Ledger) PutFeed(feed domain.Feed) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.feeds[feed.ID]; !exists {
		l.order = append(l.order, feed.ID)
	}
	copied := feed
	l.feeds[feed.ID] = &copied
}

// PutSubscription 直接写入订阅（测试用）
func (l *Ledger) PutSubscription(sub domain.Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := sub
	l.subscriptions[sub.ID] = &copied
}

// SetSubscriptionActive 修改订阅激活状态
func (l *Ledger) SetSubscriptionActive(id string, active bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sub, ok := l.subscriptions[id]; ok {
		sub.IsActive = active
	}
}

// SetFeedActive 修改 feed 激活状态
func (l *Ledger) SetFeedActive(id string, active bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if feed, ok := l.feeds[id]; ok {
		feed.IsActive = active
	}
}

// Ratings 返回已提交的评分
func (l *Ledger) Ratings() []domain.Rating {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.Rating(nil), l.ratings...)
}

func (l *Ledger) failure(op string) error {
	if err, ok := l.failures[op]; ok {
		return err
	}
	return nil
}

// GetFeed 读取 feed
func (l *Ledger) GetFeed(_ context.Context, feedID string) (*domain.Feed, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.failure("get_feed"); err != nil {
		return nil, err
	}
	feed, ok := l.feeds[feedID]
	if !ok {
		return nil, fmt.Errorf("feed %s: %w", feedID, domain.ErrObjectNotFound)
	}
	copied := *feed
	return &copied, nil
}

// GetSubscription 读取订阅
func (l *Ledger) GetSubscription(_ context.Context, subscriptionID string) (*domain.Subscription, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.failure("get_subscription"); err != nil {
		return nil, err
	}
	sub, ok := l.subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, domain.ErrObjectNotFound)
	}
	copied := *sub
	return &copied, nil
}

// CurrentEpoch 当前 epoch
func (l *Ledger) CurrentEpoch(context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.failure("current_epoch"); err != nil {
		return 0, err
	}
	return l.epoch, nil
}

// ListFeeds 按注册顺序倒序返回全部 feed
func (l *Ledger) ListFeeds(context.Context) ([]domain.Feed, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.failure("list_feeds"); err != nil {
		return nil, err
	}
	out := make([]domain.Feed, 0, len(l.order))
	for i := len(l.order) - 1; i >= 0; i-- {
		out = append(out, *l.feeds[l.order[i]])
	}
	return out, nil
}

// ListSubscriptionsByConsumer 列出消费者的订阅
func (l *Ledger) ListSubscriptionsByConsumer(_ context.Context, consumer string) ([]domain.Subscription, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.failure("list_subscriptions"); err != nil {
		return nil, err
	}
	out := make([]domain.Subscription, 0)
	for _, sub := range l.subscriptions {
		if domain.SameAddress(sub.Consumer, consumer) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartEpoch != out[j].StartEpoch {
			return out[i].StartEpoch > out[j].StartEpoch
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RegisterFeed 注册 feed
func (l *Ledger) RegisterFeed(_ context.Context, provider string, meta domain.FeedMetadata, blobID string) (*ledger.TxResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failure("register_feed"); err != nil {
		return nil, err
	}

	now := uint64(l.now().UnixMilli())
	feed := &domain.Feed{
		ID:                       NewObjectID(),
		Provider:                 provider,
		Name:                     meta.Name,
		Category:                 meta.Category,
		Description:              meta.Description,
		Location:                 meta.Location,
		PricePerQuery:            meta.PricePerQuery,
		MonthlySubscriptionPrice: meta.MonthlySubscriptionPrice,
		IsPremium:                meta.IsPremium,
		BlobID:                   blobID,
		CreatedAt:                now,
		LastUpdated:              now,
		IsActive:                 true,
		UpdateFrequency:          meta.UpdateFrequency,
	}
	l.feeds[feed.ID] = feed
	l.order = append(l.order, feed.ID)
	return &ledger.TxResult{Digest: newDigest(), ObjectID: feed.ID}, nil
}

// UpdateFeedData 更新 feed 数据指针
func (l *Ledger) UpdateFeedData(_ context.Context, feedID, blobID string) (*ledger.TxResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failure("update_feed_data"); err != nil {
		return nil, err
	}
	feed, ok := l.feeds[feedID]
	if !ok {
		return nil, fmt.Errorf("feed %s: %w", feedID, domain.ErrObjectNotFound)
	}
	feed.BlobID = blobID
	feed.LastUpdated = uint64(l.now().UnixMilli())
	return &ledger.TxResult{Digest: newDigest()}, nil
}

// Subscribe 创建订阅并累计 feed 订阅数与收入
func (l *Ledger) Subscribe(_ context.Context, consumer, feedID string, tier domain.SubscriptionTier, payment uint64) (*ledger.TxResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failure("subscribe"); err != nil {
		return nil, err
	}
	feed, ok := l.feeds[feedID]
	if !ok {
		return nil, fmt.Errorf("feed %s: %w", feedID, domain.ErrObjectNotFound)
	}

	duration := uint64(MonthlyEpochs)
	if tier == domain.TierPayPerQuery {
		duration = PayPerQueryEpochs
	}
	sub := &domain.Subscription{
		ID:            NewObjectID(),
		Consumer:      consumer,
		FeedID:        feedID,
		Tier:          tier,
		StartEpoch:    l.epoch,
		ExpiryEpoch:   l.epoch + duration,
		PaymentAmount: payment,
		IsActive:      true,
	}
	l.subscriptions[sub.ID] = sub
	feed.TotalSubscribers++
	feed.TotalRevenue += payment
	return &ledger.TxResult{Digest: newDigest(), ObjectID: sub.ID}, nil
}

// SubmitRating 提交评分
func (l *Ledger) SubmitRating(_ context.Context, rating domain.Rating) (*ledger.TxResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failure("submit_rating"); err != nil {
		return nil, err
	}
	if _, ok := l.feeds[rating.FeedID]; !ok {
		return nil, fmt.Errorf("feed %s: %w", rating.FeedID, domain.ErrObjectNotFound)
	}
	l.ratings = append(l.ratings, rating)
	return &ledger.TxResult{Digest: newDigest(), ObjectID: NewObjectID()}, nil
}

func newDigest() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

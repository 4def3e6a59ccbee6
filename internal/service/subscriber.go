package service

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/ledger"
	"iotmarket/backend/internal/storage"
)

// MaxUsageRecords 用量汇总最多读取的记录数
const MaxUsageRecords = 10000

// SubscriptionView 订阅者面板中的订阅条目
type SubscriptionView struct {
	domain.Subscription
	APIKeyID        string     `json:"apiKeyId,omitempty"`
	APIKeyPrefix    string     `json:"apiKeyPrefix,omitempty"`
	ApproxExpiresAt *time.Time `json:"approxExpiresAt,omitempty"` // 仅供展示
}

// UsageFilter 用量汇总过滤条件
type UsageFilter struct {
	FeedID string
	Start  *time.Time
	End    *time.Time
}

// SubscriberService 订阅者面板只读查询
//
// 数据库不可用时尽量降级返回账本数据，不让整个面板失败。
type SubscriberService struct {
	ledger      ledger.Reader
	credentials *CredentialService
	usage       storage.UsageRepository
	log         *zap.Logger
	now         func() time.Time
}

// NewSubscriberService 创建订阅者面板服务
func NewSubscriberService(reader ledger.Reader, credentials *CredentialService, usage storage.UsageRepository, log *zap.Logger) *SubscriberService {
	if log == nil {
		log = zap.NewNop()
	}
	return &SubscriberService{
		ledger:      reader,
		credentials: credentials,
		usage:       usage,
		log:         log.Named("subscriber"),
		now:         time.Now,
	}
}

// Subscriptions 列出地址的链上订阅，附带密钥信息与估算到期时间
func (s *SubscriberService) Subscriptions(ctx context.Context, address string) ([]SubscriptionView, error) {
	if err := domain.ValidateAddress(address); err != nil {
		return nil, err
	}
	subs, err := s.ledger.ListSubscriptionsByConsumer(ctx, address)
	if err != nil {
		return nil, err
	}

	keysBySubscription := make(map[string]domain.Credential)
	if keys, err := s.credentials.ListBySubscriber(ctx, address); err != nil {
		s.log.Warn("failed to load api keys, continuing without enrichment", zap.String("address", address), zap.Error(err))
	} else {
		for _, key := range keys {
			if id := key.LinkedSubscriptionID(); id != "" {
				if _, exists := keysBySubscription[id]; !exists {
					keysBySubscription[id] = key
				}
			}
		}
	}

	epoch, epochErr := s.ledger.CurrentEpoch(ctx)
	now := s.now().UTC()

	views := make([]SubscriptionView, 0, len(subs))
	for i := range subs {
		view := SubscriptionView{Subscription: subs[i]}
		if key, ok := keysBySubscription[subs[i].ID]; ok {
			view.APIKeyID = key.ID
			view.APIKeyPrefix = key.KeyPrefix
		}
		if epochErr == nil {
			expiry := subs[i].ApproxExpiry(epoch, now)
			view.ApproxExpiresAt = &expiry
		}
		views = append(views, view)
	}
	return views, nil
}

// APIKeys 列出地址的订阅者密钥
func (s *SubscriberService) APIKeys(ctx context.Context, address string) ([]domain.Credential, error) {
	return s.credentials.ListBySubscriber(ctx, address)
}

// Usage 汇总地址全部密钥的用量；读取密钥失败时返回空汇总
func (s *SubscriberService) Usage(ctx context.Context, address string, filter UsageFilter) (*domain.UsageSummary, error) {
	if err := domain.ValidateAddress(address); err != nil {
		return nil, err
	}
	empty := &domain.UsageSummary{ByFeed: []domain.UsageBucket{}, ByDate: []domain.UsageBucket{}}

	keys, err := s.credentials.ListBySubscriber(ctx, address)
	if err != nil {
		s.log.Warn("failed to load api keys for usage", zap.String("address", address), zap.Error(err))
		return empty, nil
	}
	if len(keys) == 0 {
		return empty, nil
	}

	ids := make([]string, len(keys))
	for i := range keys {
		ids[i] = keys[i].ID
	}
	records, err := s.usage.ListUsage(ctx, domain.UsageQuery{
		APIKeyIDs: ids,
		FeedID:    filter.FeedID,
		Start:     filter.Start,
		End:       filter.End,
		Limit:     MaxUsageRecords,
	})
	if err != nil {
		return nil, err
	}
	return SummarizeUsage(records), nil
}

// SummarizeUsage 按 feed 和 UTC 日期聚合用量
func SummarizeUsage(records []domain.UsageRecord) *domain.UsageSummary {
	summary := &domain.UsageSummary{ByFeed: []domain.UsageBucket{}, ByDate: []domain.UsageBucket{}}
	byFeed := make(map[string]*domain.UsageBucket)
	byDate := make(map[string]*domain.UsageBucket)
	var feedOrder []string

	for _, r := range records {
		summary.TotalRequests++
		summary.TotalQueries += r.QueriesUsed
		summary.TotalDataSize += r.DataSize

		if r.FeedID != nil && *r.FeedID != "" {
			bucket, ok := byFeed[*r.FeedID]
			if !ok {
				bucket = &domain.UsageBucket{FeedID: *r.FeedID}
				byFeed[*r.FeedID] = bucket
				feedOrder = append(feedOrder, *r.FeedID)
			}
			bucket.Requests++
			bucket.Queries += r.QueriesUsed
			bucket.DataSize += r.DataSize
		}

		date := r.Timestamp.UTC().Format("2006-01-02")
		bucket, ok := byDate[date]
		if !ok {
			bucket = &domain.UsageBucket{Date: date}
			byDate[date] = bucket
		}
		bucket.Requests++
		bucket.Queries += r.QueriesUsed
		bucket.DataSize += r.DataSize
	}

	for _, id := range feedOrder {
		summary.ByFeed = append(summary.ByFeed, *byFeed[id])
	}
	for _, bucket := range byDate {
		summary.ByDate = append(summary.ByDate, *bucket)
	}
	sort.Slice(summary.ByDate, func(i, j int) bool {
		return summary.ByDate[i].Date < summary.ByDate[j].Date
	})
	return summary
}

// Feeds 列出地址通过密钥可访问的 feed，单个读取失败时跳过
func (s *SubscriberService) Feeds(ctx context.Context, address string) ([]domain.Feed, error) {
	keys, err := s.credentials.ListBySubscriber(ctx, address)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	feeds := make([]domain.Feed, 0)
	for _, key := range keys {
		subscriptionID := key.LinkedSubscriptionID()
		if subscriptionID == "" {
			continue
		}
		sub, err := s.ledger.GetSubscription(ctx, subscriptionID)
		if err != nil {
			s.log.Debug("skip unreadable subscription", zap.String("subscription_id", subscriptionID), zap.Error(err))
			continue
		}
		if _, dup := seen[sub.FeedID]; dup || sub.FeedID == "" {
			continue
		}
		seen[sub.FeedID] = struct{}{}

		feed, err := s.ledger.GetFeed(ctx, sub.FeedID)
		if err != nil {
			s.log.Debug("skip unreadable feed", zap.String("feed_id", sub.FeedID), zap.Error(err))
			continue
		}
		feeds = append(feeds, *feed)
	}
	return feeds, nil
}

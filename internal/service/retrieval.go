package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"iotmarket/backend/internal/blobstore"
	"iotmarket/backend/internal/cache"
	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/ledger"
	"iotmarket/backend/internal/storage"
)

const (
	// MaxHistoryLimit 历史查询单页上限，与调用方请求无关
	MaxHistoryLimit     = 1000
	DefaultHistoryLimit = 100
	historyConcurrency  = 8
)

// FeedData 数据读取结果
type FeedData struct {
	Feed     *domain.Feed
	Payload  domain.Payload
	Preview  bool
	Decision *Decision
}

// HistoryEntry 单条历史数据，读取失败时 Error 非空且 Data 为空
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	BlobID    string         `json:"blobId"`
	DeviceID  string         `json:"deviceId,omitempty"`
	Data      domain.Payload `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// HistoryOptions 历史查询参数
type HistoryOptions struct {
	Start         *time.Time
	End           *time.Time
	Limit         int
	DecryptionKey string
}

// HistoryPage 历史查询结果
type HistoryPage struct {
	Feed     *domain.Feed
	Entries  []HistoryEntry
	Decision *Decision
}

// RetrievalService 数据读取编排：feed → 授权 → 缓存 → blob 存储
type RetrievalService struct {
	ledger  ledger.Reader
	access  *AccessService
	cache   *cache.BlobCache
	blobs   blobstore.Store
	history storage.HistoryRepository
	log     *zap.Logger
}

// NewRetrievalService 创建数据读取服务
func NewRetrievalService(
	reader ledger.Reader,
	access *AccessService,
	blobCache *cache.BlobCache,
	blobs blobstore.Store,
	history storage.HistoryRepository,
	log *zap.Logger,
) *RetrievalService {
	if log == nil {
		log = zap.NewNop()
	}
	return &RetrievalService{
		ledger:  reader,
		access:  access,
		cache:   blobCache,
		blobs:   blobs,
		history: history,
		log:     log.Named("retrieval"),
	}
}

// LoadFeed 读取 feed 元数据（不缓存），不存在或未激活时返回对应错误
func (s *RetrievalService) LoadFeed(ctx context.Context, feedID string) (*domain.Feed, error) {
	feed, err := s.ledger.GetFeed(ctx, feedID)
	if err != nil {
		if ledger.IsNotFound(err) {
			return nil, domain.ErrFeedNotFound
		}
		return nil, err
	}
	if !feed.IsActive {
		return nil, domain.ErrFeedInactive
	}
	return feed, nil
}

// Preview 公开预览，不做授权
//
// blob 读取失败时返回占位样本而不是错误；占位样本不写缓存。
func (s *RetrievalService) Preview(ctx context.Context, feedID string) (*FeedData, error) {
	feed, err := s.LoadFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}

	key := cache.PreviewKey(feed.ID, feed.BlobID)
	if sample, ok := s.cache.Get(ctx, key); ok {
		return &FeedData{Feed: feed, Payload: sample, Preview: true}, nil
	}

	if feed.BlobID == "" {
		return &FeedData{Feed: feed, Payload: domain.PlaceholderSample(domain.PayloadMapping), Preview: true}, nil
	}

	full, err := s.blobs.Retrieve(ctx, feed.BlobID, "")
	if err != nil {
		s.log.Warn("preview fetch failed, serving placeholder",
			zap.String("feed_id", feed.ID),
			zap.String("blob_id", feed.BlobID),
			zap.Error(err))
		return &FeedData{Feed: feed, Payload: domain.PlaceholderSample(domain.PayloadMapping), Preview: true}, nil
	}

	sample := full.Sample()
	s.cache.Put(ctx, key, sample)
	return &FeedData{Feed: feed, Payload: sample, Preview: true}, nil
}

// Fetch 授权后返回完整负载
//
// 高级 feed 使用调用方提供的解密密钥；未提供时返回加密封装。
func (s *RetrievalService) Fetch(ctx context.Context, feedID string, req AccessRequest, decryptionKey string) (*FeedData, error) {
	feed, err := s.LoadFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}

	decision, err := s.access.Authorize(ctx, feed.ID, req)
	if err != nil {
		return nil, err
	}

	payload, err := s.Snapshot(ctx, feed, decryptionKey)
	if err != nil {
		return nil, err
	}
	return &FeedData{Feed: feed, Payload: payload, Decision: decision}, nil
}

// Snapshot 读取 feed 当前负载（调用方负责授权）
func (s *RetrievalService) Snapshot(ctx context.Context, feed *domain.Feed, decryptionKey string) (domain.Payload, error) {
	return s.load(ctx, feed, feed.BlobID, decryptionKey)
}

func (s *RetrievalService) load(ctx context.Context, feed *domain.Feed, blobID, decryptionKey string) (domain.Payload, error) {
	if blobID == "" {
		return nil, domain.NewError(domain.KindNotFound, "Feed has no data yet", nil)
	}
	if !feed.IsPremium {
		decryptionKey = ""
	}

	key := cache.DataKey(feed.ID, blobID, decryptionKey)
	if payload, ok := s.cache.Get(ctx, key); ok {
		return payload, nil
	}

	payload, err := s.blobs.Retrieve(ctx, blobID, decryptionKey)
	if err != nil {
		if errors.Is(err, domain.ErrBlobNotFound) {
			return nil, domain.NewError(domain.KindNotFound, "Feed data not found", err)
		}
		return nil, err
	}
	s.cache.Put(ctx, key, payload)
	return payload, nil
}

// History 授权后返回历史数据，单条读取失败以错误标记返回
func (s *RetrievalService) History(ctx context.Context, feedID string, req AccessRequest, opts HistoryOptions) (*HistoryPage, error) {
	feed, err := s.LoadFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}
	decision, err := s.access.Authorize(ctx, feed.ID, req)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	records, err := s.history.ListHistory(ctx, domain.HistoryQuery{
		FeedID: feed.ID,
		Start:  opts.Start,
		End:    opts.End,
		Limit:  limit,
	})
	if err != nil {
		s.log.Warn("history index unavailable, using current pointer", zap.String("feed_id", feed.ID), zap.Error(err))
		records = nil
	}
	if len(records) == 0 && opts.Start == nil && opts.End == nil && feed.BlobID != "" {
		records = []domain.FeedDataRecord{{
			FeedID:    feed.ID,
			BlobID:    feed.BlobID,
			CreatedAt: time.UnixMilli(int64(feed.LastUpdated)).UTC(),
		}}
	}

	entries := make([]HistoryEntry, len(records))
	var group errgroup.Group
	group.SetLimit(historyConcurrency)
	for i := range records {
		record := records[i]
		group.Go(func() error {
			entry := HistoryEntry{Timestamp: record.CreatedAt, BlobID: record.BlobID, DeviceID: record.DeviceID}
			payload, err := s.load(ctx, feed, record.BlobID, opts.DecryptionKey)
			if err != nil {
				s.log.Debug("history entry unavailable",
					zap.String("feed_id", feed.ID),
					zap.String("blob_id", record.BlobID),
					zap.Error(err))
				entry.Error = "Failed to retrieve data"
			} else {
				entry.Data = payload
			}
			entries[i] = entry
			return nil
		})
	}
	_ = group.Wait()

	return &HistoryPage{Feed: feed, Entries: entries, Decision: decision}, nil
}

package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"iotmarket/backend/internal/blobstore"
	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/ledger"
	"iotmarket/backend/internal/monitoring"
	"iotmarket/backend/internal/storage"
)

// 写入结果状态
const (
	StatusOK            = "ok"
	StatusLedgerPending = "ledger_pending"
	StatusStored        = "stored"

	// StatusLedgerUnsynced 指针未更新且待同步记录也未写入，补偿任务无法修复
	StatusLedgerUnsynced = "ledger_unsynced"
)

const (
	defaultUpdateFrequency = 300
	reconcileBatchSize     = 500
	historyWriteTimeout    = 5 * time.Second
)

// Notifier 数据更新推送（实时连接中心实现）
type Notifier interface {
	Notify(feedID string, payload domain.Payload)
}

// FeedService feed 注册、数据写入、评分与链上指针补偿
type FeedService struct {
	ledger   ledger.Ledger
	blobs    blobstore.Store
	history  storage.HistoryRepository
	access   *AccessService
	notifier Notifier
	metrics  *monitoring.Metrics
	log      *zap.Logger
	now      func() time.Time

	// defaultProvider 请求未声明提供者时使用的地址（网关签名地址）
	defaultProvider string
}

// FeedServiceConfig FeedService 依赖
type FeedServiceConfig struct {
	Ledger          ledger.Ledger
	Blobs           blobstore.Store
	History         storage.HistoryRepository
	Access          *AccessService
	Notifier        Notifier
	Metrics         *monitoring.Metrics
	Logger          *zap.Logger
	DefaultProvider string
}

// NewFeedService 创建 feed 服务
func NewFeedService(cfg FeedServiceConfig) *FeedService {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &FeedService{
		ledger:          cfg.Ledger,
		blobs:           cfg.Blobs,
		history:         cfg.History,
		access:          cfg.Access,
		notifier:        cfg.Notifier,
		metrics:         cfg.Metrics,
		log:             log.Named("feed"),
		now:             time.Now,
		defaultProvider: cfg.DefaultProvider,
	}
}

// SetNotifier 设置推送目标（实时连接中心创建晚于服务时使用）
func (s *FeedService) SetNotifier(n Notifier) {
	s.notifier = n
}

// List 列出满足过滤条件的 feed
func (s *FeedService) List(ctx context.Context, filter domain.FeedFilter) ([]domain.Feed, error) {
	feeds, err := s.ledger.ListFeeds(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Feed, 0, len(feeds))
	for i := range feeds {
		if filter.Match(&feeds[i]) {
			out = append(out, feeds[i])
		}
	}
	return out, nil
}

// Get 读取 feed 详情（包括未激活的 feed）
func (s *FeedService) Get(ctx context.Context, feedID string) (*domain.Feed, error) {
	feed, err := s.ledger.GetFeed(ctx, feedID)
	if err != nil {
		if ledger.IsNotFound(err) {
			return nil, domain.ErrFeedNotFound
		}
		return nil, err
	}
	return feed, nil
}

// RegisterInput 注册参数
type RegisterInput struct {
	Provider      string
	Metadata      domain.FeedMetadata
	InitialData   domain.Payload
	EncryptionKey string // 高级 feed 可选，留空时自动生成
}

// RegisterResult 注册结果
type RegisterResult struct {
	FeedID        string `json:"feedId"`
	BlobID        string `json:"walrusBlobId"`
	Digest        string `json:"transactionDigest,omitempty"`
	EncryptionKey string `json:"encryptionKey,omitempty"` // 仅在自动生成时返回一次
}

// Register 上传初始数据并在账本注册 feed
func (s *FeedService) Register(ctx context.Context, input RegisterInput) (*RegisterResult, error) {
	provider := strings.TrimSpace(input.Provider)
	if provider == "" {
		provider = s.defaultProvider
	}
	if err := domain.ValidateAddress(provider); err != nil {
		return nil, err
	}
	meta := input.Metadata
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if meta.UpdateFrequency == 0 {
		meta.UpdateFrequency = defaultUpdateFrequency
	}

	data := input.InitialData
	if len(data) == 0 {
		data = domain.Payload(`[]`)
	}

	result := &RegisterResult{}
	key := input.EncryptionKey
	if meta.IsPremium && key == "" {
		generated, err := blobstore.GenerateKey()
		if err != nil {
			return nil, domain.Internal("Failed to generate encryption key", err)
		}
		key = generated
		result.EncryptionKey = generated
	}
	if !meta.IsPremium {
		key = ""
	}

	blobID, err := s.blobs.Upload(ctx, data, key)
	if err != nil {
		return nil, err
	}

	tx, err := s.ledger.RegisterFeed(ctx, provider, meta, blobID)
	if err != nil {
		s.log.Error("feed registration failed after upload",
			zap.String("blob_id", blobID),
			zap.String("provider", provider),
			zap.Error(err))
		return nil, err
	}

	result.FeedID = tx.ObjectID
	result.BlobID = blobID
	result.Digest = tx.Digest
	_ = s.appendHistory(ctx, &domain.FeedDataRecord{FeedID: tx.ObjectID, BlobID: blobID, LedgerSynced: true})

	s.log.Info("feed registered",
		zap.String("feed_id", result.FeedID),
		zap.String("provider", provider),
		zap.Bool("premium", meta.IsPremium))
	return result, nil
}

// UpdateInput 数据更新参数
type UpdateInput struct {
	Data            domain.Payload
	Credential      *domain.Credential
	ProviderAddress string
	EncryptionKey   string // 高级 feed 必填
	DeviceID        string
}

// UpdateResult 数据更新结果
type UpdateResult struct {
	FeedID  string `json:"feedId"`
	BlobID  string `json:"newWalrusBlobId"`
	Status  string `json:"status"`
	Digest  string `json:"transactionDigest,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// UpdateData 写路径授权后上传新数据并更新链上指针
//
// blob 上传成功而账本更新失败时返回 ledger_pending，由补偿任务稍后重试。
func (s *FeedService) UpdateData(ctx context.Context, feedID string, input UpdateInput) (*UpdateResult, error) {
	if len(input.Data) == 0 {
		return nil, domain.Validation("data is required")
	}

	feed, err := s.Get(ctx, feedID)
	if err != nil {
		return nil, err
	}
	if !feed.IsActive {
		return nil, domain.ErrFeedInactive
	}
	if err := s.access.AuthorizeWrite(ctx, feed, WriteRequest{
		Credential:      input.Credential,
		ProviderAddress: input.ProviderAddress,
	}); err != nil {
		return nil, err
	}

	key := ""
	if feed.IsPremium {
		if input.EncryptionKey == "" {
			return nil, domain.Validation("encryptionKey is required for premium feeds")
		}
		key = input.EncryptionKey
	}

	blobID, err := s.blobs.Upload(ctx, input.Data, key)
	if err != nil {
		return nil, err
	}

	result := &UpdateResult{FeedID: feed.ID, BlobID: blobID, Status: StatusOK}
	record := &domain.FeedDataRecord{FeedID: feed.ID, BlobID: blobID, DeviceID: input.DeviceID}

	tx, err := s.ledger.UpdateFeedData(ctx, feed.ID, blobID)
	if err != nil {
		s.log.Warn("ledger pointer update failed, queued for reconciliation",
			zap.String("feed_id", feed.ID),
			zap.String("blob_id", blobID),
			zap.Error(err))
		result.Status = StatusLedgerPending
		result.Warning = "Data stored but on-chain pointer update is pending"
	} else {
		record.LedgerSynced = true
		result.Digest = tx.Digest
	}
	if err := s.appendHistory(ctx, record); err != nil && !record.LedgerSynced {
		s.log.Error("ledger pointer update failed and no reconciliation record was stored",
			zap.String("feed_id", feed.ID),
			zap.String("blob_id", blobID),
			zap.Error(err))
		s.metrics.RecordError("ledger_unsynced", "feed")
		result.Status = StatusLedgerUnsynced
		result.Warning = "Data stored but the on-chain pointer was not updated and could not be queued for retry; resubmit the update"
	}

	s.notify(feed, blobID, input.Data)
	return result, nil
}

// IngestInput 设备上报参数
type IngestInput struct {
	DeviceID        string
	Data            domain.Payload
	Credential      *domain.Credential
	ProviderAddress string
	EncryptionKey   string
}

// Ingest 设备数据上报
//
// 数据附加 deviceId、receivedAt、source 后上传。提交了提供者密钥或地址时走 UpdateData；
// 否则只存储 blob，不改动链上指针和历史索引。
func (s *FeedService) Ingest(ctx context.Context, feedID string, input IngestInput) (*UpdateResult, error) {
	if feedID == "" || len(input.Data) == 0 {
		return nil, domain.Validation("feedId and data are required")
	}
	deviceID := input.DeviceID
	if deviceID == "" {
		deviceID = "unknown"
	}
	enriched, err := enrichDeviceData(input.Data, deviceID, s.now())
	if err != nil {
		return nil, err
	}

	if input.Credential != nil || input.ProviderAddress != "" {
		return s.UpdateData(ctx, feedID, UpdateInput{
			Data:            enriched,
			Credential:      input.Credential,
			ProviderAddress: input.ProviderAddress,
			EncryptionKey:   input.EncryptionKey,
			DeviceID:        deviceID,
		})
	}

	blobID, err := s.blobs.Upload(ctx, enriched, "")
	if err != nil {
		return nil, err
	}
	s.log.Debug("device data stored without ledger update",
		zap.String("feed_id", feedID),
		zap.String("device_id", deviceID),
		zap.String("blob_id", blobID))
	return &UpdateResult{FeedID: feedID, BlobID: blobID, Status: StatusStored}, nil
}

// enrichDeviceData 为设备数据附加来源信息，非对象数据包装在 value 字段下
func enrichDeviceData(data domain.Payload, deviceID string, now time.Time) (domain.Payload, error) {
	fields := make(map[string]json.RawMessage)
	if data.Kind() == domain.PayloadMapping {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, domain.Validation("data must be valid JSON")
		}
	} else {
		if !json.Valid(data) {
			return nil, domain.Validation("data must be valid JSON")
		}
		fields["value"] = json.RawMessage(data)
	}

	deviceJSON, _ := json.Marshal(deviceID)
	receivedJSON, _ := json.Marshal(now.UnixMilli())
	fields["deviceId"] = deviceJSON
	fields["receivedAt"] = receivedJSON
	fields["source"] = json.RawMessage(`"iot_device"`)

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, domain.Internal("Failed to encode device data", err)
	}
	return domain.Payload(out), nil
}

// Rate 提交评分
func (s *FeedService) Rate(ctx context.Context, rating domain.Rating) (*ledger.TxResult, error) {
	if err := rating.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.Get(ctx, rating.FeedID); err != nil {
		return nil, err
	}
	tx, err := s.ledger.SubmitRating(ctx, rating)
	if err != nil {
		if ledger.IsNotFound(err) {
			return nil, domain.ErrFeedNotFound
		}
		return nil, err
	}
	return tx, nil
}

// UploadResult 原始上传结果
type UploadResult struct {
	BlobID        string `json:"blobId"`
	EncryptionKey string `json:"encryptionKey,omitempty"`
}

// Upload 原始 blob 上传，encrypt 且未提供密钥时生成密钥并返回一次
func (s *FeedService) Upload(ctx context.Context, data domain.Payload, encrypt bool, key string) (*UploadResult, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, domain.Validation("Data is required")
	}
	result := &UploadResult{}
	if !encrypt {
		key = ""
	} else if key == "" {
		generated, err := blobstore.GenerateKey()
		if err != nil {
			return nil, domain.Internal("Failed to generate encryption key", err)
		}
		key = generated
		result.EncryptionKey = generated
	}

	blobID, err := s.blobs.Upload(ctx, data, key)
	if err != nil {
		return nil, err
	}
	result.BlobID = blobID
	return result, nil
}

// Reconcile 重新提交未同步的链上指针
//
// 每个 feed 只处理最新的未同步记录；若已有更新的已同步记录，直接视为被覆盖。
// 返回本轮同步成功的 feed 数。
func (s *FeedService) Reconcile(ctx context.Context) (int, error) {
	pending, err := s.history.ListUnsynced(ctx, reconcileBatchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		s.metrics.UpdateLedgerPending(0)
		return 0, nil
	}

	byFeed := make(map[string][]domain.FeedDataRecord)
	var order []string
	for _, record := range pending {
		if _, ok := byFeed[record.FeedID]; !ok {
			order = append(order, record.FeedID)
		}
		byFeed[record.FeedID] = append(byFeed[record.FeedID], record)
	}

	synced, remaining := 0, 0
	for _, feedID := range order {
		records := byFeed[feedID]
		ids := make([]string, len(records))
		for i := range records {
			ids[i] = records[i].ID
		}
		newestPending := records[0]

		latest, err := s.history.ListHistory(ctx, domain.HistoryQuery{FeedID: feedID, Limit: 1})
		if err == nil && len(latest) == 1 && latest[0].LedgerSynced && latest[0].CreatedAt.After(newestPending.CreatedAt) {
			if err := s.history.MarkSynced(ctx, ids); err != nil {
				remaining += len(ids)
			}
			continue
		}

		if _, err := s.ledger.UpdateFeedData(ctx, feedID, newestPending.BlobID); err != nil {
			s.metrics.RecordReconcile(false)
			if ledger.IsNotFound(err) {
				// feed 已不存在，放弃这些记录
				s.log.Warn("reconcile abandoned, feed no longer exists", zap.String("feed_id", feedID))
				_ = s.history.MarkSynced(ctx, ids)
				continue
			}
			remaining += len(ids)
			s.log.Warn("reconcile failed", zap.String("feed_id", feedID), zap.Error(err))
			continue
		}
		if err := s.history.MarkSynced(ctx, ids); err != nil {
			s.log.Warn("failed to mark records synced", zap.String("feed_id", feedID), zap.Error(err))
		}
		s.metrics.RecordReconcile(true)
		synced++
		s.log.Info("ledger pointer reconciled",
			zap.String("feed_id", feedID),
			zap.String("blob_id", newestPending.BlobID))
	}

	s.metrics.UpdateLedgerPending(remaining)
	return synced, nil
}

func (s *FeedService) appendHistory(ctx context.Context, record *domain.FeedDataRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
	defer cancel()
	if err := s.history.AppendHistory(ctx, record); err != nil {
		s.log.Warn("failed to append history record",
			zap.String("feed_id", record.FeedID),
			zap.String("blob_id", record.BlobID),
			zap.Error(err))
		return err
	}
	return nil
}

// notify 推送更新；高级 feed 只推送新的 blob 指针，不推送明文
func (s *FeedService) notify(feed *domain.Feed, blobID string, data domain.Payload) {
	if s.notifier == nil {
		return
	}
	if feed.IsPremium {
		pointer, _ := json.Marshal(map[string]interface{}{
			"walrusBlobId": blobID,
			"encrypted":    true,
		})
		s.notifier.Notify(feed.ID, domain.Payload(pointer))
		return
	}
	s.notifier.Notify(feed.ID, data)
}

package storage

import (
	"context"
	"time"

	"iotmarket/backend/internal/domain"
)

// CredentialFilter 密钥列表过滤条件，空字段不参与过滤
type CredentialFilter struct {
	Type            domain.CredentialType
	ProviderAddress string
	ConsumerAddress string
	FeedID          string
	SubscriptionID  string
	IncludeRevoked  bool
}

// CredentialRepository 定义 API 密钥数据存取操作。
//
// 记录不提供删除操作，吊销只设置时间戳。
type CredentialRepository interface {
	CreateCredential(ctx context.Context, credential *domain.Credential) error
	GetCredential(ctx context.Context, id string) (*domain.Credential, error)
	GetCredentialByHash(ctx context.Context, keyHash string) (*domain.Credential, error)
	ListCredentials(ctx context.Context, filter CredentialFilter) ([]domain.Credential, error)
	// RevokeCredential 幂等：已吊销的记录保留首次吊销时间
	RevokeCredential(ctx context.Context, id string, at time.Time) (*domain.Credential, error)
	// TouchCredential 使用计数加一并刷新最后使用时间
	TouchCredential(ctx context.Context, id string, at time.Time) error
}

// UsageRepository 定义用量日志存取操作（只追加）。
type UsageRepository interface {
	AppendUsage(ctx context.Context, record *domain.UsageRecord) error
	// ListUsage 按时间倒序返回
	ListUsage(ctx context.Context, query domain.UsageQuery) ([]domain.UsageRecord, error)
}

// HistoryRepository 定义 feed 历史索引存取操作。
type HistoryRepository interface {
	AppendHistory(ctx context.Context, record *domain.FeedDataRecord) error
	// ListHistory 按时间倒序返回
	ListHistory(ctx context.Context, query domain.HistoryQuery) ([]domain.FeedDataRecord, error)
	// ListUnsynced 返回链上指针尚未更新成功的记录，按时间倒序
	ListUnsynced(ctx context.Context, limit int) ([]domain.FeedDataRecord, error)
	MarkSynced(ctx context.Context, ids []string) error
}

// Store 聚合全部仓储接口
type Store interface {
	CredentialRepository
	UsageRepository
	HistoryRepository
	Ping(ctx context.Context) error
	Close() error
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"iotmarket/backend/internal/config"
	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/storage"
)

// Store 关系型存储实现（PostgreSQL / MySQL）
type Store struct {
	db     *gorm.DB
	client *Client // 仅 pooled 模式非空
}

var _ storage.Store = (*Store)(nil)

// Open 根据配置选择连接策略，启动时决定一次，之后调用方接口不变
//
// 参数:
//   - cfg: 数据库配置，Type 为 postgres 或 mysql
//   - log: 日志记录器
//
// 返回值:
//   - *Store: 已完成自动迁移的存储实例
//   - error: 连接或迁移失败
func Open(ctx context.Context, cfg *config.DatabaseConfig, log *zap.Logger) (*Store, error) {
	switch cfg.Type {
	case "mysql":
		return newStore(mysql.Open(cfg.DSN), cfg, nil)
	case "postgres":
		if cfg.Mode != "pooled" {
			return newStore(postgres.Open(cfg.DSN), cfg, nil)
		}
		client, err := NewClient(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		store, err := newStore(postgres.New(postgres.Config{Conn: client.DB()}), cfg, client)
		if err != nil {
			client.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector) (*Store, error) {
	return newStore(dialector, &config.DatabaseConfig{MaxOpenConns: 25, MaxIdleConns: 5, ConnMaxLifetime: 5 * time.Minute}, nil)
}

func newStore(dialector gorm.Dialector, cfg *config.DatabaseConfig, client *Client) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// pooled 模式由 pgxpool 管理连接数
	if client == nil {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &Store{db: db, client: client}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Credential{},
		&domain.UsageRecord{},
		&domain.FeedDataRecord{},
	)
}

// ========== Credential Repository ==========

// CreateCredential 保存新签发的密钥
func (s *Store) CreateCredential(ctx context.Context, credential *domain.Credential) error {
	if credential.ID == "" {
		credential.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Create(credential).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.NewError(domain.KindConflict, "API key already exists", err)
	}
	return err
}

// GetCredential 根据 ID 获取密钥
func (s *Store) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	var credential domain.Credential
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&credential).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCredentialNotFound
		}
		return nil, err
	}
	return &credential, nil
}

// GetCredentialByHash 根据密钥哈希获取密钥
func (s *Store) GetCredentialByHash(ctx context.Context, keyHash string) (*domain.Credential, error) {
	var credential domain.Credential
	err := s.db.WithContext(ctx).Where("key_hash = ?", keyHash).First(&credential).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCredentialNotFound
		}
		return nil, err
	}
	return &credential, nil
}

// ListCredentials 按创建时间倒序返回匹配的密钥
func (s *Store) ListCredentials(ctx context.Context, filter storage.CredentialFilter) ([]domain.Credential, error) {
	query := s.db.WithContext(ctx).Model(&domain.Credential{})
	if !filter.IncludeRevoked {
		query = query.Where("revoked_at IS NULL")
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.ProviderAddress != "" {
		query = query.Where("LOWER(provider_address) = ?", domain.NormalizeAddress(filter.ProviderAddress))
	}
	if filter.ConsumerAddress != "" {
		query = query.Where("LOWER(consumer_address) = ?", domain.NormalizeAddress(filter.ConsumerAddress))
	}
	if filter.FeedID != "" {
		query = query.Where("feed_id = ?", filter.FeedID)
	}
	if filter.SubscriptionID != "" {
		query = query.Where("subscription_id = ?", filter.SubscriptionID)
	}

	var credentials []domain.Credential
	if err := query.Order("created_at DESC").Find(&credentials).Error; err != nil {
		return nil, err
	}
	return credentials, nil
}

// RevokeCredential 吊销密钥，只在首次吊销时写入时间戳
func (s *Store) RevokeCredential(ctx context.Context, id string, at time.Time) (*domain.Credential, error) {
	err := s.db.WithContext(ctx).Model(&domain.Credential{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", at).Error
	if err != nil {
		return nil, err
	}
	return s.GetCredential(ctx, id)
}

// TouchCredential 使用计数加一并刷新最后使用时间
func (s *Store) TouchCredential(ctx context.Context, id string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&domain.Credential{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"usage_count":  gorm.Expr("usage_count + ?", 1),
			"last_used_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrCredentialNotFound
	}
	return nil
}

// ========== Usage Repository ==========

// AppendUsage 追加一条用量记录
func (s *Store) AppendUsage(ctx context.Context, record *domain.UsageRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(record).Error
}

// ListUsage 按时间倒序返回匹配的用量记录
func (s *Store) ListUsage(ctx context.Context, q domain.UsageQuery) ([]domain.UsageRecord, error) {
	query := s.db.WithContext(ctx).Model(&domain.UsageRecord{})
	if len(q.APIKeyIDs) > 0 {
		query = query.Where("api_key_id IN ?", q.APIKeyIDs)
	}
	if q.FeedID != "" {
		query = query.Where("feed_id = ?", q.FeedID)
	}
	if q.Start != nil {
		query = query.Where("timestamp >= ?", *q.Start)
	}
	if q.End != nil {
		query = query.Where("timestamp <= ?", *q.End)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var records []domain.UsageRecord
	if err := query.Order(clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}, Desc: true}).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ========== History Repository ==========

// AppendHistory 追加一条历史索引
func (s *Store) AppendHistory(ctx context.Context, record *domain.FeedDataRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(record).Error
}

// ListHistory 按时间倒序返回指定 feed 的历史索引
func (s *Store) ListHistory(ctx context.Context, q domain.HistoryQuery) ([]domain.FeedDataRecord, error) {
	query := s.db.WithContext(ctx).Where("feed_id = ?", q.FeedID)
	if q.Start != nil {
		query = query.Where("created_at >= ?", *q.Start)
	}
	if q.End != nil {
		query = query.Where("created_at <= ?", *q.End)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var records []domain.FeedDataRecord
	if err := query.Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ListUnsynced 返回未同步到账本的记录
func (s *Store) ListUnsynced(ctx context.Context, limit int) ([]domain.FeedDataRecord, error) {
	query := s.db.WithContext(ctx).Where("ledger_synced = ?", false).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []domain.FeedDataRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// MarkSynced 标记记录已同步
func (s *Store) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&domain.FeedDataRecord{}).
		Where("id IN ?", ids).
		Update("ledger_synced", true).Error
}

// Ping 测试数据库连接
func (s *Store) Ping(ctx context.Context) error {
	if s.client != nil {
		return s.client.Ping(ctx)
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	return err
}

package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/ledger"
	"iotmarket/backend/internal/pool"
	"iotmarket/backend/internal/storage"
)

// 校验失败原因，按检查顺序排列
const (
	ReasonInvalid   = "invalid"
	ReasonRevoked   = "revoked"
	ReasonExpired   = "expired"
	ReasonMalformed = "malformed"
)

const (
	secretEntropyBytes = 24
	// displayPrefixLength 展示前缀长度（类型标签 + 下划线 + 8 个字符）
	displayPrefixLength = 11
	// RecentUsageLimit 密钥详情附带的最近用量条数
	RecentUsageLimit = 10
	touchTimeout     = 5 * time.Second
)

// CredentialValidation 密钥校验结果
type CredentialValidation struct {
	Valid      bool
	Credential *domain.Credential
	Reason     string
}

// CredentialService API 密钥签发、校验与吊销
type CredentialService struct {
	store  storage.Store
	ledger ledger.Reader
	pool   *pool.WorkerPool
	log    *zap.Logger
	now    func() time.Time
}

// NewCredentialService 创建密钥服务
//
// 参数:
//   - store: 密钥与用量存储
//   - reader: 账本只读接口，签发时校验 feed / 订阅归属
//   - workers: 后台协程池，承载最后使用时间更新；为 nil 时同步执行
//   - log: 日志记录器
func NewCredentialService(store storage.Store, reader ledger.Reader, workers *pool.WorkerPool, log *zap.Logger) *CredentialService {
	if log == nil {
		log = zap.NewNop()
	}
	return &CredentialService{
		store:  store,
		ledger: reader,
		pool:   workers,
		log:    log.Named("credential"),
		now:    time.Now,
	}
}

// HashSecret 计算密钥的 SHA-256 十六进制摘要
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// generateSecret 生成带类型标签的随机密钥
func generateSecret(t domain.CredentialType) (string, error) {
	buf := make([]byte, secretEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return t.KeyTag() + "_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

func displayPrefix(secret string) string {
	if len(secret) <= displayPrefixLength {
		return secret
	}
	return secret[:displayPrefixLength]
}

func hasKnownTag(secret string) bool {
	return strings.HasPrefix(secret, domain.CredentialTypeProvider.KeyTag()+"_") ||
		strings.HasPrefix(secret, domain.CredentialTypeSubscriber.KeyTag()+"_")
}

// Validate 校验原始密钥
//
// 拒绝原因按顺序检查：invalid、revoked、expired、malformed。
// 只有存储读取失败时返回 error；成功时异步刷新使用计数，不阻塞调用方。
func (s *CredentialService) Validate(ctx context.Context, secret string) (*CredentialValidation, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" || !hasKnownTag(secret) {
		return &CredentialValidation{Reason: ReasonInvalid}, nil
	}

	credential, err := s.store.GetCredentialByHash(ctx, HashSecret(secret))
	if err != nil {
		if errors.Is(err, domain.ErrCredentialNotFound) {
			return &CredentialValidation{Reason: ReasonInvalid}, nil
		}
		return nil, err
	}

	now := s.now()
	switch {
	case credential.IsRevoked():
		return &CredentialValidation{Credential: credential, Reason: ReasonRevoked}, nil
	case credential.IsExpired(now):
		return &CredentialValidation{Credential: credential, Reason: ReasonExpired}, nil
	case !strings.HasPrefix(secret, credential.KeyPrefix) || !strings.HasPrefix(secret, credential.Type.KeyTag()+"_"):
		return &CredentialValidation{Credential: credential, Reason: ReasonMalformed}, nil
	}

	s.touch(credential.ID, now)
	return &CredentialValidation{Valid: true, Credential: credential}, nil
}

// touch 在后台更新使用计数，失败只记录日志
func (s *CredentialService) touch(id string, at time.Time) {
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := s.store.TouchCredential(ctx, id, at); err != nil {
			s.log.Warn("failed to update credential last used", zap.String("credential_id", id), zap.Error(err))
		}
	}
	if s.pool == nil {
		task()
		return
	}
	if !s.pool.TrySubmit(task) {
		s.log.Debug("credential touch dropped, queue full", zap.String("credential_id", id))
	}
}

// IssueInput 签发参数
type IssueInput struct {
	Type           domain.CredentialType
	FeedID         string // PROVIDER 必填
	SubscriptionID string // SUBSCRIBER 必填
	Address        string // 提供者或消费者地址
	Name           string
	Description    string
	ExpiresAt      *time.Time
	RateLimit      *int
}

// Issue 签发新密钥，原始密钥只在返回值中出现一次
//
// 签发前回源账本校验绑定关系：PROVIDER 要求 feed 的提供者为 Address，
// SUBSCRIBER 要求订阅的消费者为 Address。
func (s *CredentialService) Issue(ctx context.Context, input IssueInput) (*domain.IssuedCredential, error) {
	if err := s.verifyBinding(ctx, input); err != nil {
		return nil, err
	}
	if input.ExpiresAt != nil && !input.ExpiresAt.After(s.now()) {
		return nil, domain.Validation("expiresAt must be in the future")
	}
	if input.RateLimit != nil && *input.RateLimit <= 0 {
		return nil, domain.Validation("rateLimit must be positive")
	}

	secret, err := generateSecret(input.Type)
	if err != nil {
		return nil, domain.Internal("Failed to generate API key", err)
	}

	address := input.Address
	credential := &domain.Credential{
		KeyHash:     HashSecret(secret),
		KeyPrefix:   displayPrefix(secret),
		Type:        input.Type,
		Name:        input.Name,
		Description: input.Description,
		RateLimit:   input.RateLimit,
		CreatedAt:   s.now().UTC(),
		ExpiresAt:   input.ExpiresAt,
	}
	if input.Type == domain.CredentialTypeProvider {
		feedID := input.FeedID
		credential.FeedID = &feedID
		credential.ProviderAddress = &address
	} else {
		subscriptionID := input.SubscriptionID
		credential.SubscriptionID = &subscriptionID
		credential.ConsumerAddress = &address
	}

	if err := s.store.CreateCredential(ctx, credential); err != nil {
		return nil, err
	}

	s.log.Info("credential issued",
		zap.String("credential_id", credential.ID),
		zap.String("type", string(credential.Type)),
		zap.String("owner", address))

	return &domain.IssuedCredential{
		ID:        credential.ID,
		Secret:    secret,
		KeyPrefix: credential.KeyPrefix,
		Type:      credential.Type,
		CreatedAt: credential.CreatedAt,
		ExpiresAt: credential.ExpiresAt,
	}, nil
}

func (s *CredentialService) verifyBinding(ctx context.Context, input IssueInput) error {
	if !input.Type.Valid() {
		return domain.Validation("Invalid API key type")
	}
	if err := domain.ValidateAddress(input.Address); err != nil {
		return err
	}

	switch input.Type {
	case domain.CredentialTypeProvider:
		if input.FeedID == "" {
			return domain.Validation("feedId and providerAddress are required")
		}
		feed, err := s.ledger.GetFeed(ctx, input.FeedID)
		if err != nil {
			if ledger.IsNotFound(err) {
				return domain.ErrFeedNotFound
			}
			return err
		}
		if !domain.SameAddress(feed.Provider, input.Address) {
			return domain.ErrNotOwner
		}
	case domain.CredentialTypeSubscriber:
		if input.SubscriptionID == "" {
			return domain.Validation("subscriptionId and consumerAddress are required")
		}
		sub, err := s.ledger.GetSubscription(ctx, input.SubscriptionID)
		if err != nil {
			if ledger.IsNotFound(err) {
				return domain.ErrSubscriptionNotFound
			}
			return err
		}
		if !domain.SameAddress(sub.Consumer, input.Address) {
			return domain.ErrNotOwner
		}
	}
	return nil
}

// Revoke 吊销密钥，重复吊销不报错
//
// owner 非空时要求与密钥所属地址一致。
func (s *CredentialService) Revoke(ctx context.Context, id, owner string) (*domain.Credential, error) {
	credential, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	if owner != "" && !domain.SameAddress(credential.OwnerAddress(), owner) {
		return nil, domain.ErrNotOwner
	}

	revoked, err := s.store.RevokeCredential(ctx, id, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.log.Info("credential revoked", zap.String("credential_id", id))
	return revoked, nil
}

// ListByProvider 列出提供者的有效密钥
func (s *CredentialService) ListByProvider(ctx context.Context, address string) ([]domain.Credential, error) {
	if err := domain.ValidateAddress(address); err != nil {
		return nil, err
	}
	return s.store.ListCredentials(ctx, storage.CredentialFilter{
		Type:            domain.CredentialTypeProvider,
		ProviderAddress: address,
	})
}

// ListBySubscriber 列出订阅者的有效密钥
func (s *CredentialService) ListBySubscriber(ctx context.Context, address string) ([]domain.Credential, error) {
	if err := domain.ValidateAddress(address); err != nil {
		return nil, err
	}
	return s.store.ListCredentials(ctx, storage.CredentialFilter{
		Type:            domain.CredentialTypeSubscriber,
		ConsumerAddress: address,
	})
}

// ListByFeed 列出绑定到 feed 的有效密钥
func (s *CredentialService) ListByFeed(ctx context.Context, feedID string) ([]domain.Credential, error) {
	return s.store.ListCredentials(ctx, storage.CredentialFilter{FeedID: feedID})
}

// CredentialDetails 密钥详情（不含原始密钥）
type CredentialDetails struct {
	domain.Credential
	RecentUsage []domain.UsageRecord `json:"usageLogs"`
}

// Details 返回密钥元数据和最近的用量记录
func (s *CredentialService) Details(ctx context.Context, id string) (*CredentialDetails, error) {
	credential, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	usage, err := s.store.ListUsage(ctx, domain.UsageQuery{APIKeyIDs: []string{id}, Limit: RecentUsageLimit})
	if err != nil {
		s.log.Warn("failed to load recent usage", zap.String("credential_id", id), zap.Error(err))
		usage = []domain.UsageRecord{}
	}
	return &CredentialDetails{Credential: *credential, RecentUsage: usage}, nil
}

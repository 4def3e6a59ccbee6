package service

import (
	"context"

	"go.uber.org/zap"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/ledger"
	"iotmarket/backend/internal/monitoring"
)

// 授权路径，用于指标和日志
const (
	pathCredential = "credential"
	pathLegacy     = "legacy"
	pathNone       = "none"
)

// AccessRequest 调用方提交的凭证
//
// APIKey 与 Credential 二选一：中间件已校验过的密钥通过 Credential 传入，避免重复校验。
type AccessRequest struct {
	APIKey         string
	Credential     *domain.Credential
	SubscriptionID string
	Consumer       string
}

// HasCredentials 是否提交了任何凭证
func (r AccessRequest) HasCredentials() bool {
	return r.APIKey != "" || r.Credential != nil || (r.SubscriptionID != "" && r.Consumer != "")
}

// Decision 授权结果
type Decision struct {
	Granted        bool
	SubscriptionID string
	CredentialID   string
	Credential     *domain.Credential
}

// AccessService 访问决策引擎
//
// 每次决策都回源账本读取订阅与 epoch，不缓存任何授权结果。
// 账本读取失败与对象不存在一样拒绝，对调用方返回相同错误，内部日志区分原因。
type AccessService struct {
	credentials *CredentialService
	ledger      ledger.Reader
	metrics     *monitoring.Metrics
	log         *zap.Logger
}

// NewAccessService 创建访问决策引擎
func NewAccessService(credentials *CredentialService, reader ledger.Reader, metrics *monitoring.Metrics, log *zap.Logger) *AccessService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AccessService{
		credentials: credentials,
		ledger:      reader,
		metrics:     metrics,
		log:         log.Named("access"),
	}
}

// Authorize 读路径授权
//
// 先走密钥路径，再走 legacy 路径，第一个成功的路径生效。
// 未提交任何凭证返回 ErrAuthRequired；密钥无效且无 legacy 凭证返回 ErrInvalidCredential；
// 其余拒绝一律返回 ErrAccessDenied。
func (s *AccessService) Authorize(ctx context.Context, feedID string, req AccessRequest) (*Decision, error) {
	if !req.HasCredentials() {
		s.metrics.RecordAccessDecision(pathNone, false)
		return nil, domain.ErrAuthRequired
	}

	credential, credentialErr := s.resolveCredential(ctx, req)
	if credential != nil {
		if decision, ok := s.credentialPath(ctx, feedID, credential); ok {
			s.metrics.RecordAccessDecision(pathCredential, true)
			return decision, nil
		}
		s.metrics.RecordAccessDecision(pathCredential, false)
	}

	if req.SubscriptionID != "" && req.Consumer != "" {
		if s.legacyPath(ctx, feedID, req.SubscriptionID, req.Consumer) {
			s.metrics.RecordAccessDecision(pathLegacy, true)
			return &Decision{Granted: true, SubscriptionID: req.SubscriptionID}, nil
		}
		s.metrics.RecordAccessDecision(pathLegacy, false)
		return nil, domain.ErrAccessDenied
	}

	if credentialErr != nil {
		return nil, credentialErr
	}
	return nil, domain.ErrAccessDenied
}

// resolveCredential 返回可用的密钥；密钥无效时返回认证错误
func (s *AccessService) resolveCredential(ctx context.Context, req AccessRequest) (*domain.Credential, error) {
	if req.Credential != nil {
		return req.Credential, nil
	}
	if req.APIKey == "" {
		return nil, nil
	}

	result, err := s.credentials.Validate(ctx, req.APIKey)
	if err != nil {
		s.log.Warn("credential lookup failed, denying", zap.Error(err))
		return nil, domain.ErrInvalidCredential
	}
	if !result.Valid {
		fields := []zap.Field{zap.String("reason", result.Reason)}
		if result.Credential != nil {
			fields = append(fields, zap.String("credential_id", result.Credential.ID))
		}
		s.log.Debug("credential rejected", fields...)
		return nil, domain.ErrInvalidCredential
	}
	return result.Credential, nil
}

func (s *AccessService) credentialPath(ctx context.Context, feedID string, credential *domain.Credential) (*Decision, bool) {
	log := s.log.With(zap.String("credential_id", credential.ID), zap.String("feed_id", feedID))

	if credential.Type != domain.CredentialTypeSubscriber {
		log.Debug("denied: credential is not a subscriber key")
		return nil, false
	}
	subscriptionID := credential.LinkedSubscriptionID()
	if subscriptionID == "" {
		log.Debug("denied: credential has no linked subscription")
		return nil, false
	}

	sub, ok := s.validSubscription(ctx, subscriptionID, log)
	if !ok {
		return nil, false
	}
	if sub.FeedID != feedID {
		log.Info("denied: subscription belongs to another feed", zap.String("subscription_feed_id", sub.FeedID))
		return nil, false
	}

	return &Decision{
		Granted:        true,
		SubscriptionID: sub.ID,
		CredentialID:   credential.ID,
		Credential:     credential,
	}, true
}

func (s *AccessService) legacyPath(ctx context.Context, feedID, subscriptionID, consumer string) bool {
	log := s.log.With(zap.String("subscription_id", subscriptionID), zap.String("feed_id", feedID))

	sub, ok := s.validSubscription(ctx, subscriptionID, log)
	if !ok {
		return false
	}
	if !domain.SameAddress(sub.Consumer, consumer) {
		log.Info("denied: consumer mismatch")
		return false
	}
	if sub.FeedID != feedID {
		log.Info("denied: subscription belongs to another feed", zap.String("subscription_feed_id", sub.FeedID))
		return false
	}
	return true
}

// validSubscription 读取订阅与当前 epoch 并检查有效性，任何读取失败都视为拒绝
func (s *AccessService) validSubscription(ctx context.Context, subscriptionID string, log *zap.Logger) (*domain.Subscription, bool) {
	sub, err := s.ledger.GetSubscription(ctx, subscriptionID)
	if err != nil {
		if ledger.IsNotFound(err) {
			log.Info("denied: subscription not found")
		} else {
			log.Warn("denied: subscription read failed", zap.Error(err))
		}
		return nil, false
	}

	epoch, err := s.ledger.CurrentEpoch(ctx)
	if err != nil {
		log.Warn("denied: epoch read failed", zap.Error(err))
		return nil, false
	}
	if !sub.ValidAt(epoch) {
		log.Info("denied: subscription not valid at current epoch",
			zap.Bool("active", sub.IsActive),
			zap.Uint64("epoch", epoch),
			zap.Uint64("expiry_epoch", sub.ExpiryEpoch))
		return nil, false
	}
	return sub, true
}

// VerifySubscription 检查订阅在当前 epoch 是否可用，consumer 非空时同时校验消费者
func (s *AccessService) VerifySubscription(ctx context.Context, subscriptionID, consumer string) bool {
	log := s.log.With(zap.String("subscription_id", subscriptionID))
	sub, ok := s.validSubscription(ctx, subscriptionID, log)
	if !ok {
		return false
	}
	if consumer != "" && !domain.SameAddress(sub.Consumer, consumer) {
		log.Info("denied: consumer mismatch")
		return false
	}
	return true
}

// WriteRequest 写路径凭证
type WriteRequest struct {
	Credential      *domain.Credential
	ProviderAddress string
}

// AuthorizeWrite 写路径授权
//
// PROVIDER 密钥绑定的 feed 必须等于目标 feed；legacy 方式比较提供者地址与 feed 记录的提供者。
func (s *AccessService) AuthorizeWrite(ctx context.Context, feed *domain.Feed, req WriteRequest) error {
	if req.Credential != nil {
		if req.Credential.Type == domain.CredentialTypeProvider && req.Credential.LinkedFeedID() == feed.ID {
			s.metrics.RecordAccessDecision("write_"+pathCredential, true)
			return nil
		}
		s.log.Info("write denied: credential not bound to feed",
			zap.String("credential_id", req.Credential.ID),
			zap.String("feed_id", feed.ID))
		s.metrics.RecordAccessDecision("write_"+pathCredential, false)
		return domain.NewError(domain.KindAuthorization, "API key does not have access to this feed", nil)
	}

	if req.ProviderAddress == "" {
		s.metrics.RecordAccessDecision("write_"+pathNone, false)
		return domain.NewError(domain.KindAuthentication, "Provider API key or providerAddress required", nil)
	}
	if !domain.SameAddress(feed.Provider, req.ProviderAddress) {
		s.log.Info("write denied: provider mismatch", zap.String("feed_id", feed.ID))
		s.metrics.RecordAccessDecision("write_"+pathLegacy, false)
		return domain.NewError(domain.KindAuthorization, "Not authorized to update this feed", nil)
	}
	s.metrics.RecordAccessDecision("write_"+pathLegacy, true)
	return nil
}

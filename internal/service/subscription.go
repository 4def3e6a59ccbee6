package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/ledger"
)

// SubscriptionService 订阅创建与查询
type SubscriptionService struct {
	ledger          ledger.Ledger
	retrieval       *RetrievalService
	access          *AccessService
	log             *zap.Logger
	defaultConsumer string
}

// NewSubscriptionService 创建订阅服务
//
// defaultConsumer 为请求未声明消费者时使用的地址（网关签名地址），可为空。
func NewSubscriptionService(l ledger.Ledger, retrieval *RetrievalService, access *AccessService, defaultConsumer string, log *zap.Logger) *SubscriptionService {
	if log == nil {
		log = zap.NewNop()
	}
	return &SubscriptionService{
		ledger:          l,
		retrieval:       retrieval,
		access:          access,
		log:             log.Named("subscription"),
		defaultConsumer: defaultConsumer,
	}
}

// SubscribeInput 订阅参数
type SubscribeInput struct {
	Consumer      string
	Tier          domain.SubscriptionTier
	PaymentAmount uint64
}

// SubscribeResult 订阅结果
type SubscribeResult struct {
	SubscriptionID string                  `json:"subscriptionId"`
	FeedID         string                  `json:"feedId"`
	Tier           domain.SubscriptionTier `json:"tier"`
	PaymentAmount  uint64                  `json:"paymentAmount"`
	Digest         string                  `json:"transactionDigest,omitempty"`
}

// Subscribe 校验档位与支付金额后在账本创建订阅，不重试
func (s *SubscriptionService) Subscribe(ctx context.Context, feedID string, input SubscribeInput) (*SubscribeResult, error) {
	if !input.Tier.Valid() {
		return nil, domain.Validation("Invalid subscription tier")
	}
	consumer := input.Consumer
	if consumer == "" {
		consumer = s.defaultConsumer
	}
	if err := domain.ValidateAddress(consumer); err != nil {
		return nil, err
	}

	feed, err := s.retrieval.LoadFeed(ctx, feedID)
	if err != nil {
		return nil, err
	}

	required := input.Tier.RequiredPayment(feed)
	if input.PaymentAmount < required {
		return nil, domain.NewError(domain.KindValidation,
			fmt.Sprintf("Insufficient payment. Required: %d, Provided: %d", required, input.PaymentAmount),
			domain.ErrInsufficientPayment)
	}

	tx, err := s.ledger.Subscribe(ctx, consumer, feed.ID, input.Tier, input.PaymentAmount)
	if err != nil {
		if ledger.IsNotFound(err) {
			return nil, domain.ErrFeedNotFound
		}
		return nil, err
	}

	s.log.Info("subscription created",
		zap.String("subscription_id", tx.ObjectID),
		zap.String("feed_id", feed.ID),
		zap.String("consumer", consumer),
		zap.Uint8("tier", uint8(input.Tier)))

	return &SubscribeResult{
		SubscriptionID: tx.ObjectID,
		FeedID:         feed.ID,
		Tier:           input.Tier,
		PaymentAmount:  input.PaymentAmount,
		Digest:         tx.Digest,
	}, nil
}

// Get 读取订阅
func (s *SubscriptionService) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := s.ledger.GetSubscription(ctx, id)
	if err != nil {
		if ledger.IsNotFound(err) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

// Verify 检查订阅对 consumer 是否可用
func (s *SubscriptionService) Verify(ctx context.Context, id, consumer string) (bool, error) {
	if consumer == "" {
		return false, domain.Validation("Consumer address required")
	}
	return s.access.VerifySubscription(ctx, id, consumer), nil
}

package domain

import "time"

// SubscriptionTier 订阅档位
type SubscriptionTier uint8

const (
	TierPayPerQuery SubscriptionTier = 0
	TierMonthly     SubscriptionTier = 1
	TierPremium     SubscriptionTier = 2
)

// Valid 档位是否合法
func (t SubscriptionTier) Valid() bool {
	return t <= TierPremium
}

// RequiredPayment 返回该档位需要的最低支付金额
func (t SubscriptionTier) RequiredPayment(feed *Feed) uint64 {
	if t == TierMonthly || t == TierPremium {
		return feed.MonthlySubscriptionPrice
	}
	return feed.PricePerQuery
}

// Subscription 链上订阅对象
//
// 有效期以账本 epoch 表示，与本地时钟无关。
type Subscription struct {
	ID            string           `json:"id"`
	Consumer      string           `json:"consumer"`
	FeedID        string           `json:"feedId"`
	Tier          SubscriptionTier `json:"tier"`
	StartEpoch    uint64           `json:"startEpoch"`
	ExpiryEpoch   uint64           `json:"expiryEpoch"`
	PaymentAmount uint64           `json:"paymentAmount"`
	QueriesUsed   uint64           `json:"queriesUsed"`
	IsActive      bool             `json:"isActive"`
}

// ValidAt 在给定账本 epoch 下订阅是否可用（epoch == expiry 仍然有效）
func (s *Subscription) ValidAt(currentEpoch uint64) bool {
	return s.IsActive && currentEpoch <= s.ExpiryEpoch
}

// ApproxEpochDuration 仅用于展示的 epoch 时长估算，绝不能用于授权判断
const ApproxEpochDuration = 24 * time.Hour

// ApproxExpiry 估算订阅到期的墙钟时间，仅供展示
func (s *Subscription) ApproxExpiry(currentEpoch uint64, now time.Time) time.Time {
	if s.ExpiryEpoch <= currentEpoch {
		return now
	}
	return now.Add(time.Duration(s.ExpiryEpoch-currentEpoch) * ApproxEpochDuration)
}

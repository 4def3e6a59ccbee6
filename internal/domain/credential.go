package domain

import "time"

// CredentialType API Key 类型
type CredentialType string

const (
	CredentialTypeProvider   CredentialType = "PROVIDER"   // 数据提供者密钥（绑定 feed）
	CredentialTypeSubscriber CredentialType = "SUBSCRIBER" // 订阅者密钥（绑定 subscription）
)

// Valid 判断类型是否合法
func (t CredentialType) Valid() bool {
	return t == CredentialTypeProvider || t == CredentialTypeSubscriber
}

// KeyTag 返回该类型密钥的展示前缀（pk / sk）
func (t CredentialType) KeyTag() string {
	if t == CredentialTypeProvider {
		return "pk"
	}
	return "sk"
}

// Credential API 密钥实体
//
// 原始密钥只在签发时返回一次，数据库中仅保存哈希和展示前缀。
// 记录永不物理删除，吊销通过 RevokedAt 标记。
type Credential struct {
	ID              string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	KeyHash         string         `json:"-" gorm:"type:varchar(64);uniqueIndex;not null"`
	KeyPrefix       string         `json:"keyPrefix" gorm:"type:varchar(20);not null"`
	Type            CredentialType `json:"type" gorm:"type:varchar(16);index;not null"`
	FeedID          *string        `json:"feedId,omitempty" gorm:"type:varchar(128);index"`
	SubscriptionID  *string        `json:"subscriptionId,omitempty" gorm:"type:varchar(128);index"`
	ProviderAddress *string        `json:"providerAddress,omitempty" gorm:"type:varchar(128);index"`
	ConsumerAddress *string        `json:"consumerAddress,omitempty" gorm:"type:varchar(128);index"`
	Name            string         `json:"name,omitempty" gorm:"type:varchar(100)"`
	Description     string         `json:"description,omitempty" gorm:"type:varchar(500)"`
	RateLimit       *int           `json:"rateLimit,omitempty"` // 每分钟请求数
	UsageCount      int64          `json:"usageCount" gorm:"not null;default:0"`
	CreatedAt       time.Time      `json:"createdAt"`
	ExpiresAt       *time.Time     `json:"expiresAt,omitempty"`
	RevokedAt       *time.Time     `json:"revokedAt,omitempty"`
	LastUsedAt      *time.Time     `json:"lastUsedAt,omitempty"`
}

// TableName 指定表名
func (Credential) TableName() string {
	return "api_keys"
}

// IsRevoked 是否已吊销
func (c *Credential) IsRevoked() bool {
	return c.RevokedAt != nil
}

// IsExpired 在给定时间点是否已过期
func (c *Credential) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// OwnerAddress 返回密钥所属地址（提供者或消费者）
func (c *Credential) OwnerAddress() string {
	switch c.Type {
	case CredentialTypeProvider:
		if c.ProviderAddress != nil {
			return *c.ProviderAddress
		}
	case CredentialTypeSubscriber:
		if c.ConsumerAddress != nil {
			return *c.ConsumerAddress
		}
	}
	return ""
}

// LinkedFeedID 返回绑定的 feed（仅 PROVIDER 类型）
func (c *Credential) LinkedFeedID() string {
	if c.FeedID == nil {
		return ""
	}
	return *c.FeedID
}

// LinkedSubscriptionID 返回绑定的订阅（仅 SUBSCRIBER 类型）
func (c *Credential) LinkedSubscriptionID() string {
	if c.SubscriptionID == nil {
		return ""
	}
	return *c.SubscriptionID
}

// IssuedCredential 签发结果，Secret 只出现这一次
type IssuedCredential struct {
	ID        string         `json:"id"`
	Secret    string         `json:"key"`
	KeyPrefix string         `json:"keyPrefix"`
	Type      CredentialType `json:"type"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
}

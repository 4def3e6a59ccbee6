package domain

import "time"

// DataCategory 数据分类
type DataCategory string

const (
	CategoryWeather    DataCategory = "weather"
	CategoryTraffic    DataCategory = "traffic"
	CategoryAirQuality DataCategory = "air_quality"
	CategoryParking    DataCategory = "parking"
	CategoryEnergy     DataCategory = "energy"
	CategorySmartHome  DataCategory = "smart_home"
	CategoryIndustrial DataCategory = "industrial"
	CategoryOther      DataCategory = "other"
)

// Feed 链上数据源（本系统只读，每次读取都回源账本）
type Feed struct {
	ID                       string `json:"id"`
	Provider                 string `json:"provider"`
	Name                     string `json:"name"`
	Category                 string `json:"category"`
	Description              string `json:"description"`
	Location                 string `json:"location"`
	PricePerQuery            uint64 `json:"pricePerQuery"`
	MonthlySubscriptionPrice uint64 `json:"monthlySubscriptionPrice"`
	IsPremium                bool   `json:"isPremium"`
	BlobID                   string `json:"walrusBlobId"`
	CreatedAt                uint64 `json:"createdAt"`
	LastUpdated              uint64 `json:"lastUpdated"`
	IsActive                 bool   `json:"isActive"`
	UpdateFrequency          uint64 `json:"updateFrequency"` // 秒
	TotalSubscribers         uint64 `json:"totalSubscribers"`
	TotalRevenue             uint64 `json:"totalRevenue"`
}

// FeedMetadata 注册 feed 时提交的描述信息
type FeedMetadata struct {
	Name                     string `json:"name"`
	Category                 string `json:"category"`
	Description              string `json:"description"`
	Location                 string `json:"location"`
	PricePerQuery            uint64 `json:"pricePerQuery"`
	MonthlySubscriptionPrice uint64 `json:"monthlySubscriptionPrice"`
	IsPremium                bool   `json:"isPremium"`
	UpdateFrequency          uint64 `json:"updateFrequency"`
}

// FeedFilter 列表过滤条件
type FeedFilter struct {
	Category  string
	IsPremium *bool
	MinPrice  *uint64
	MaxPrice  *uint64
	Location  string
}

// Match 判断 feed 是否满足过滤条件（价格以月费为准）
func (f FeedFilter) Match(feed *Feed) bool {
	if f.Category != "" && feed.Category != f.Category {
		return false
	}
	if f.IsPremium != nil && feed.IsPremium != *f.IsPremium {
		return false
	}
	if f.MinPrice != nil && feed.MonthlySubscriptionPrice < *f.MinPrice {
		return false
	}
	if f.MaxPrice != nil && feed.MonthlySubscriptionPrice > *f.MaxPrice {
		return false
	}
	if f.Location != "" && !containsFold(feed.Location, f.Location) {
		return false
	}
	return true
}

// FeedDataRecord 历史数据索引，每次成功写入追加一条
type FeedDataRecord struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	FeedID       string    `json:"feedId" gorm:"type:varchar(128);index:idx_feed_created,priority:1;not null"`
	BlobID       string    `json:"blobId" gorm:"type:varchar(128);not null"`
	DeviceID     string    `json:"deviceId,omitempty" gorm:"type:varchar(128)"`
	LedgerSynced bool      `json:"ledgerSynced" gorm:"index;not null;default:false"`
	CreatedAt    time.Time `json:"createdAt" gorm:"index:idx_feed_created,priority:2"`
}

// TableName 指定表名
func (FeedDataRecord) TableName() string {
	return "feed_data_records"
}

// HistoryQuery 历史查询参数
type HistoryQuery struct {
	FeedID string
	Start  *time.Time
	End    *time.Time
	Limit  int
}

package domain

import "time"

// UsageRecord API 调用日志，只追加
type UsageRecord struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	APIKeyID       string    `json:"apiKeyId" gorm:"type:varchar(36);index;not null"`
	FeedID         *string   `json:"feedId,omitempty" gorm:"type:varchar(128);index"`
	SubscriptionID *string   `json:"subscriptionId,omitempty" gorm:"type:varchar(128)"`
	Endpoint       string    `json:"endpoint" gorm:"type:varchar(255)"`
	Method         string    `json:"method" gorm:"type:varchar(10)"`
	StatusCode     int       `json:"statusCode"`
	ResponseTime   int64     `json:"responseTime"` // 毫秒
	IPAddress      string    `json:"ipAddress,omitempty" gorm:"type:varchar(64)"`
	UserAgent      string    `json:"userAgent,omitempty" gorm:"type:varchar(255)"`
	QueriesUsed    int       `json:"queriesUsed"`
	DataSize       int64     `json:"dataSize"`
	Timestamp      time.Time `json:"timestamp" gorm:"index"`
}

// TableName 指定表名
func (UsageRecord) TableName() string {
	return "usage_logs"
}

// UsageQuery 用量查询条件
type UsageQuery struct {
	APIKeyIDs []string
	FeedID    string
	Start     *time.Time
	End       *time.Time
	Limit     int
}

// UsageBucket 聚合桶
type UsageBucket struct {
	FeedID   string `json:"feedId,omitempty"`
	Date     string `json:"date,omitempty"`
	Requests int    `json:"requests"`
	Queries  int    `json:"queries"`
	DataSize int64  `json:"dataSize"`
}

// UsageSummary 订阅者用量汇总
type UsageSummary struct {
	TotalRequests int           `json:"totalRequests"`
	TotalQueries  int           `json:"totalQueries"`
	TotalDataSize int64         `json:"totalDataSize"`
	ByFeed        []UsageBucket `json:"byFeed"`
	ByDate        []UsageBucket `json:"byDate"`
}

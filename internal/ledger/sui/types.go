package sui

import (
	"encoding/json"
	"strconv"
	"strings"

	"iotmarket/backend/internal/domain"
)

// u64 链上 u64 以字符串编码，也兼容数字
type u64 uint64

func (v *u64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*v = u64(n)
	return nil
}

type objectResponse struct {
	Data *struct {
		ObjectID string `json:"objectId"`
		Type     string `json:"type"`
		Content  *struct {
			DataType string          `json:"dataType"`
			Type     string          `json:"type"`
			Fields   json.RawMessage `json:"fields"`
		} `json:"content"`
	} `json:"data"`
	Error *struct {
		Code     string `json:"code"`
		ObjectID string `json:"object_id"`
	} `json:"error"`
}

type feedFields struct {
	Provider                 string `json:"provider"`
	Name                     string `json:"name"`
	Category                 string `json:"category"`
	Description              string `json:"description"`
	Location                 string `json:"location"`
	PricePerQuery            u64    `json:"price_per_query"`
	MonthlySubscriptionPrice u64    `json:"monthly_subscription_price"`
	IsPremium                bool   `json:"is_premium"`
	WalrusBlobID             string `json:"walrus_blob_id"`
	CreatedAt                u64    `json:"created_at"`
	LastUpdated              u64    `json:"last_updated"`
	IsActive                 bool   `json:"is_active"`
	UpdateFrequency          u64    `json:"update_frequency"`
	TotalSubscribers         u64    `json:"total_subscribers"`
	TotalRevenue             u64    `json:"total_revenue"`
}

func (f *feedFields) toDomain(id string) *domain.Feed {
	return &domain.Feed{
		ID:                       id,
		Provider:                 f.Provider,
		Name:                     f.Name,
		Category:                 f.Category,
		Description:              f.Description,
		Location:                 f.Location,
		PricePerQuery:            uint64(f.PricePerQuery),
		MonthlySubscriptionPrice: uint64(f.MonthlySubscriptionPrice),
		IsPremium:                f.IsPremium,
		BlobID:                   f.WalrusBlobID,
		CreatedAt:                uint64(f.CreatedAt),
		LastUpdated:              uint64(f.LastUpdated),
		IsActive:                 f.IsActive,
		UpdateFrequency:          uint64(f.UpdateFrequency),
		TotalSubscribers:         uint64(f.TotalSubscribers),
		TotalRevenue:             uint64(f.TotalRevenue),
	}
}

type subscriptionFields struct {
	Consumer      string `json:"consumer"`
	FeedID        string `json:"feed_id"`
	Tier          u64    `json:"tier"`
	StartEpoch    u64    `json:"start_epoch"`
	ExpiryEpoch   u64    `json:"expiry_epoch"`
	PaymentAmount u64    `json:"payment_amount"`
	QueriesUsed   u64    `json:"queries_used"`
	IsActive      bool   `json:"is_active"`
}

func (f *subscriptionFields) toDomain(id string) *domain.Subscription {
	return &domain.Subscription{
		ID:            id,
		Consumer:      f.Consumer,
		FeedID:        f.FeedID,
		Tier:          domain.SubscriptionTier(f.Tier),
		StartEpoch:    uint64(f.StartEpoch),
		ExpiryEpoch:   uint64(f.ExpiryEpoch),
		PaymentAmount: uint64(f.PaymentAmount),
		QueriesUsed:   uint64(f.QueriesUsed),
		IsActive:      f.IsActive,
	}
}

type eventPage struct {
	Data []struct {
		ParsedJSON json.RawMessage `json:"parsedJson"`
	} `json:"data"`
	NextCursor  json.RawMessage `json:"nextCursor"`
	HasNextPage bool            `json:"hasNextPage"`
}

type ownedObjectPage struct {
	Data        []objectResponse `json:"data"`
	NextCursor  json.RawMessage  `json:"nextCursor"`
	HasNextPage bool             `json:"hasNextPage"`
}

type systemState struct {
	Epoch u64 `json:"epoch"`
}

type coinPage struct {
	Data []struct {
		CoinObjectID string `json:"coinObjectId"`
		Balance      u64    `json:"balance"`
	} `json:"data"`
}

type txBytesResult struct {
	TxBytes string `json:"txBytes"`
}

type executeResult struct {
	Digest  string `json:"digest"`
	Effects *struct {
		Status struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"status"`
	} `json:"effects"`
	ObjectChanges []struct {
		Type       string `json:"type"`
		ObjectType string `json:"objectType"`
		ObjectID   string `json:"objectId"`
	} `json:"objectChanges"`
}

// createdObject 返回类型名包含 typeSuffix 的新建对象 ID
func (r *executeResult) createdObject(typeSuffix string) string {
	for _, change := range r.ObjectChanges {
		if change.Type == "created" && strings.Contains(change.ObjectType, typeSuffix) {
			return change.ObjectID
		}
	}
	return ""
}

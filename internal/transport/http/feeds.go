package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/middleware"
	"iotmarket/backend/internal/service"
)

type createFeedRequest struct {
	Provider                 string         `json:"provider"`
	Name                     string         `json:"name"`
	Category                 string         `json:"category"`
	Description              string         `json:"description"`
	Location                 string         `json:"location"`
	PricePerQuery            uint64         `json:"pricePerQuery"`
	MonthlySubscriptionPrice uint64         `json:"monthlySubscriptionPrice"`
	IsPremium                bool           `json:"isPremium"`
	UpdateFrequency          uint64         `json:"updateFrequency"`
	InitialData              domain.Payload `json:"initialData"`
	EncryptionKey            string         `json:"encryptionKey"`
}

type updateFeedDataRequest struct {
	Data          domain.Payload `json:"data"`
	Provider      string         `json:"provider"`
	EncryptionKey string         `json:"encryptionKey"`
}

type ratingRequest struct {
	Stars   int    `json:"stars"`
	Comment string `json:"comment"`
	Rater   string `json:"rater"`
}

// listFeeds 列出 feed，支持 category、isPremium、minPrice、maxPrice、location 过滤
func (h *Handler) listFeeds(c *gin.Context) {
	filter := domain.FeedFilter{
		Category: c.Query("category"),
		Location: c.Query("location"),
	}
	if raw := c.Query("isPremium"); raw != "" {
		premium, err := strconv.ParseBool(raw)
		if err != nil {
			BadRequest(c, MsgInvalidBool)
			return
		}
		filter.IsPremium = &premium
	}
	var ok bool
	if filter.MinPrice, ok = parseUintQuery(c, "minPrice"); !ok {
		BadRequest(c, MsgInvalidPrice)
		return
	}
	if filter.MaxPrice, ok = parseUintQuery(c, "maxPrice"); !ok {
		BadRequest(c, MsgInvalidPrice)
		return
	}

	feeds, err := h.feeds.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithCount(c, feeds, len(feeds))
}

// getFeed 返回 feed 详情
func (h *Handler) getFeed(c *gin.Context) {
	feed, err := h.feeds.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, feed)
}

// createFeed 上传初始数据并在账本注册 feed
func (h *Handler) createFeed(c *gin.Context) {
	var req createFeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	result, err := h.feeds.Register(c.Request.Context(), service.RegisterInput{
		Provider: req.Provider,
		Metadata: domain.FeedMetadata{
			Name:                     req.Name,
			Category:                 req.Category,
			Description:              req.Description,
			Location:                 req.Location,
			PricePerQuery:            req.PricePerQuery,
			MonthlySubscriptionPrice: req.MonthlySubscriptionPrice,
			IsPremium:                req.IsPremium,
			UpdateFrequency:          req.UpdateFrequency,
		},
		InitialData:   req.InitialData,
		EncryptionKey: req.EncryptionKey,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, result)
}

// updateFeedData 推送新数据，提供者密钥或 provider 地址二选一
func (h *Handler) updateFeedData(c *gin.Context) {
	var req updateFeedDataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	result, err := h.feeds.UpdateData(c.Request.Context(), c.Param("id"), service.UpdateInput{
		Data:            req.Data,
		Credential:      middleware.CredentialFromContext(c),
		ProviderAddress: req.Provider,
		EncryptionKey:   req.EncryptionKey,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, result)
}

// rateFeed 提交 1-5 星评分
func (h *Handler) rateFeed(c *gin.Context) {
	var req ratingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}
	if req.Stars < 1 || req.Stars > 5 {
		BadRequest(c, "Invalid rating (must be 1-5)")
		return
	}

	tx, err := h.feeds.Rate(c.Request.Context(), domain.Rating{
		FeedID:  c.Param("id"),
		Rater:   req.Rater,
		Stars:   uint8(req.Stars),
		Comment: req.Comment,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, gin.H{
		"ratingId":          tx.ObjectID,
		"transactionDigest": tx.Digest,
	})
}

// parseUintQuery 读取非负整数查询参数，缺省时返回 nil
func parseUintQuery(c *gin.Context, name string) (*uint64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, false
	}
	return &v, true
}

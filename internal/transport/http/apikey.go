package httptransport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/service"
)

// APIKeyHandler API Key管理处理器
type APIKeyHandler struct {
	credentials *service.CredentialService
	log         *zap.Logger
}

// NewAPIKeyHandler 创建API Key处理器
func NewAPIKeyHandler(credentials *service.CredentialService, log *zap.Logger) *APIKeyHandler {
	return &APIKeyHandler{
		credentials: credentials,
		log:         log,
	}
}

// createProviderKeyRequest 提供者密钥签发请求
type createProviderKeyRequest struct {
	FeedID          string     `json:"feedId"`
	ProviderAddress string     `json:"providerAddress"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	ExpiresAt       *time.Time `json:"expiresAt"`
	RateLimit       *int       `json:"rateLimit"`
}

// createSubscriberKeyRequest 订阅者密钥签发请求
type createSubscriberKeyRequest struct {
	SubscriptionID  string     `json:"subscriptionId"`
	ConsumerAddress string     `json:"consumerAddress"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	ExpiresAt       *time.Time `json:"expiresAt"`
	RateLimit       *int       `json:"rateLimit"`
}

// CreateProviderKey 签发绑定 feed 的提供者密钥，原始密钥只返回这一次
func (h *APIKeyHandler) CreateProviderKey(c *gin.Context) {
	var req createProviderKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}
	if req.FeedID == "" || req.ProviderAddress == "" {
		BadRequest(c, "feedId and providerAddress are required")
		return
	}

	issued, err := h.credentials.Issue(c.Request.Context(), service.IssueInput{
		Type:        domain.CredentialTypeProvider,
		FeedID:      req.FeedID,
		Address:     req.ProviderAddress,
		Name:        req.Name,
		Description: req.Description,
		ExpiresAt:   req.ExpiresAt,
		RateLimit:   req.RateLimit,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, issued)
}

// CreateSubscriberKey 签发绑定订阅的订阅者密钥，原始密钥只返回这一次
func (h *APIKeyHandler) CreateSubscriberKey(c *gin.Context) {
	var req createSubscriberKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}
	if req.SubscriptionID == "" || req.ConsumerAddress == "" {
		BadRequest(c, "subscriptionId and consumerAddress are required")
		return
	}

	issued, err := h.credentials.Issue(c.Request.Context(), service.IssueInput{
		Type:           domain.CredentialTypeSubscriber,
		SubscriptionID: req.SubscriptionID,
		Address:        req.ConsumerAddress,
		Name:           req.Name,
		Description:    req.Description,
		ExpiresAt:      req.ExpiresAt,
		RateLimit:      req.RateLimit,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, issued)
}

// ListProviderKeys 列出提供者的有效密钥（不含原始密钥）
func (h *APIKeyHandler) ListProviderKeys(c *gin.Context) {
	keys, err := h.credentials.ListByProvider(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithCount(c, keys, len(keys))
}

// ListSubscriberKeys 列出订阅者的有效密钥（不含原始密钥）
func (h *APIKeyHandler) ListSubscriberKeys(c *gin.Context) {
	keys, err := h.credentials.ListBySubscriber(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithCount(c, keys, len(keys))
}

// ListFeedKeys 列出绑定到 feed 的有效密钥
func (h *APIKeyHandler) ListFeedKeys(c *gin.Context) {
	keys, err := h.credentials.ListByFeed(c.Request.Context(), c.Param("feedId"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithCount(c, keys, len(keys))
}

// GetAPIKey 返回密钥元数据和最近 10 条用量
func (h *APIKeyHandler) GetAPIKey(c *gin.Context) {
	details, err := h.credentials.Details(c.Request.Context(), c.Param("keyId"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, details)
}

// RevokeAPIKey 吊销密钥，address 查询参数必须是密钥所属地址
func (h *APIKeyHandler) RevokeAPIKey(c *gin.Context) {
	owner := c.Query("address")
	if owner == "" {
		BadRequest(c, "address query parameter is required")
		return
	}

	if _, err := h.credentials.Revoke(c.Request.Context(), c.Param("keyId"), owner); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "API key revoked successfully",
	})
}

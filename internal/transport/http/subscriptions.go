package httptransport

import (
	"github.com/gin-gonic/gin"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/service"
)

type subscribeRequest struct {
	Consumer      string `json:"consumer"`
	Tier          *int   `json:"tier"`
	PaymentAmount uint64 `json:"paymentAmount"`
}

type verifyRequest struct {
	Consumer string `json:"consumer"`
}

// subscribe 校验支付金额后创建订阅
func (h *Handler) subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}
	if req.Tier == nil {
		BadRequest(c, "tier and paymentAmount are required")
		return
	}
	if *req.Tier < 0 || *req.Tier > int(domain.TierPremium) {
		BadRequest(c, "Invalid subscription tier")
		return
	}

	result, err := h.subscriptions.Subscribe(c.Request.Context(), c.Param("feedId"), service.SubscribeInput{
		Consumer:      req.Consumer,
		Tier:          domain.SubscriptionTier(*req.Tier),
		PaymentAmount: req.PaymentAmount,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, result)
}

// getSubscription 返回订阅详情
func (h *Handler) getSubscription(c *gin.Context) {
	sub, err := h.subscriptions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, sub)
}

// verifySubscription 检查订阅对 consumer 是否可用
func (h *Handler) verifySubscription(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	id := c.Param("id")
	hasAccess, err := h.subscriptions.Verify(c.Request.Context(), id, req.Consumer)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, gin.H{
		"hasAccess":      hasAccess,
		"subscriptionId": id,
	})
}

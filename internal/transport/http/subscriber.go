package httptransport

import (
	"github.com/gin-gonic/gin"

	"iotmarket/backend/internal/service"
)

// subscriberSubscriptions 订阅者在账本上的订阅，附带密钥信息和估算到期时间
func (h *Handler) subscriberSubscriptions(c *gin.Context) {
	subs, err := h.subscriber.Subscriptions(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithCount(c, subs, len(subs))
}

func (h *Handler) subscriberAPIKeys(c *gin.Context) {
	keys, err := h.subscriber.APIKeys(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithCount(c, keys, len(keys))
}

// subscriberUsage 用量汇总，支持 feedId、startDate、endDate 过滤
func (h *Handler) subscriberUsage(c *gin.Context) {
	filter := service.UsageFilter{FeedID: c.Query("feedId")}
	var ok bool
	if filter.Start, ok = parseDateQuery(c, "startDate", false); !ok {
		BadRequest(c, MsgInvalidDate)
		return
	}
	if filter.End, ok = parseDateQuery(c, "endDate", true); !ok {
		BadRequest(c, MsgInvalidDate)
		return
	}

	summary, err := h.subscriber.Usage(c.Request.Context(), c.Param("address"), filter)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, summary)
}

func (h *Handler) subscriberFeeds(c *gin.Context) {
	feeds, err := h.subscriber.Feeds(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithCount(c, feeds, len(feeds))
}

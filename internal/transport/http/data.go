package httptransport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/middleware"
	"iotmarket/backend/internal/service"
)

const decryptionKeyHeader = "X-Decryption-Key"

type uploadRequest struct {
	Data          domain.Payload `json:"data"`
	Encrypt       bool           `json:"encrypt"`
	EncryptionKey string         `json:"encryptionKey"`
}

// accessRequest 收集请求携带的凭证：已校验的密钥、原始密钥或 subscriptionId + consumer
func accessRequest(c *gin.Context) service.AccessRequest {
	req := service.AccessRequest{
		Credential:     middleware.CredentialFromContext(c),
		SubscriptionID: c.Query("subscriptionId"),
		Consumer:       c.Query("consumer"),
	}
	if req.Credential == nil {
		req.APIKey = middleware.RawAPIKey(c)
	}
	return req
}

// getData 返回 feed 数据
//
// preview=true 时返回公开样本，不做授权；否则授权后返回完整负载。
func (h *Handler) getData(c *gin.Context) {
	feedID := c.Param("feedId")

	if c.Query("preview") == "true" {
		data, err := h.retrieval.Preview(c.Request.Context(), feedID)
		if err != nil {
			respondError(c, h.log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"preview": true,
			"data":    data.Payload,
			"feed": gin.H{
				"name":        data.Feed.Name,
				"category":    data.Feed.Category,
				"description": data.Feed.Description,
				"location":    data.Feed.Location,
			},
		})
		return
	}

	data, err := h.retrieval.Fetch(c.Request.Context(), feedID, accessRequest(c), c.GetHeader(decryptionKeyHeader))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data.Payload,
		"feed": gin.H{
			"id":          data.Feed.ID,
			"name":        data.Feed.Name,
			"category":    data.Feed.Category,
			"lastUpdated": data.Feed.LastUpdated,
		},
	})
}

// getHistory 返回历史数据，按时间倒序，limit 上限 1000
func (h *Handler) getHistory(c *gin.Context) {
	opts := service.HistoryOptions{DecryptionKey: c.GetHeader(decryptionKeyHeader)}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			BadRequest(c, MsgInvalidLimit)
			return
		}
		opts.Limit = limit
	}
	var ok bool
	if opts.Start, ok = parseDateQuery(c, "startDate", false); !ok {
		BadRequest(c, MsgInvalidDate)
		return
	}
	if opts.End, ok = parseDateQuery(c, "endDate", true); !ok {
		BadRequest(c, MsgInvalidDate)
		return
	}

	page, err := h.retrieval.History(c.Request.Context(), c.Param("feedId"), accessRequest(c), opts)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	SuccessWithCount(c, page.Entries, len(page.Entries))
}

// uploadData 原始 blob 上传
func (h *Handler) uploadData(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	result, err := h.feeds.Upload(c.Request.Context(), req.Data, req.Encrypt, req.EncryptionKey)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	Success(c, result)
}

// parseDateQuery 解析 RFC3339 或 YYYY-MM-DD 日期；endOfDay 时纯日期取当天结束
func parseDateQuery(c *gin.Context, name string, endOfDay bool) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, true
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, false
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, true
}

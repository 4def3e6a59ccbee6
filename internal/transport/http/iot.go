package httptransport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/middleware"
	"iotmarket/backend/internal/service"
)

const iotUpdateEndpoint = "/api/iot/update"

type iotUpdateRequest struct {
	FeedID        string         `json:"feedId"`
	DeviceID      string         `json:"deviceId"`
	Data          domain.Payload `json:"data"`
	Provider      string         `json:"provider"`
	EncryptionKey string         `json:"encryptionKey"`
}

// iotUpdate 设备上报入口
//
// 携带提供者密钥或 provider 地址时同时更新链上指针，否则只存储 blob。
func (h *Handler) iotUpdate(c *gin.Context) {
	var req iotUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}
	if req.FeedID == "" || len(req.Data) == 0 || string(req.Data) == "null" {
		BadRequest(c, "feedId and data are required")
		return
	}

	h.ingest(c, req.FeedID, service.IngestInput{
		DeviceID:        req.DeviceID,
		Data:            req.Data,
		Credential:      middleware.CredentialFromContext(c),
		ProviderAddress: req.Provider,
		EncryptionKey:   req.EncryptionKey,
	})
}

// iotFeedUpdate 按 feed 上报，要求绑定该 feed 的提供者密钥
func (h *Handler) iotFeedUpdate(c *gin.Context) {
	credential := middleware.CredentialFromContext(c)
	if credential == nil {
		if middleware.RawAPIKey(c) != "" {
			Unauthorized(c, domain.ErrInvalidCredential.Message)
		} else {
			Unauthorized(c, "Provider API key required")
		}
		return
	}

	var req iotUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}
	if len(req.Data) == 0 || string(req.Data) == "null" {
		BadRequest(c, "data is required")
		return
	}

	h.ingest(c, c.Param("feedId"), service.IngestInput{
		DeviceID:      req.DeviceID,
		Data:          req.Data,
		Credential:    credential,
		EncryptionKey: req.EncryptionKey,
	})
}

func (h *Handler) ingest(c *gin.Context, feedID string, input service.IngestInput) {
	result, err := h.feeds.Ingest(c.Request.Context(), feedID, input)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	body := gin.H{
		"success":   true,
		"message":   "Data updated successfully",
		"blobId":    result.BlobID,
		"feedId":    result.FeedID,
		"status":    result.Status,
		"timestamp": time.Now().UnixMilli(),
	}
	if result.Digest != "" {
		body["transactionDigest"] = result.Digest
	}
	if result.Warning != "" {
		body["warning"] = result.Warning
	}
	c.JSON(http.StatusOK, body)
}

// iotStatus 上报入口状态
func (h *Handler) iotStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"status":    "online",
		"endpoint":  iotUpdateEndpoint,
		"timestamp": time.Now().UnixMilli(),
	})
}

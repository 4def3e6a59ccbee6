package httptransport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"iotmarket/backend/internal/health"
)

// APIVersion 对外公布的接口版本
const APIVersion = "1.0.0"

// PublicHandler 公开接口处理器（无需认证）
type PublicHandler struct {
	checker *health.HealthChecker
}

// NewPublicHandler 创建公开接口处理器，checker 为 nil 时 /health 不附带依赖状态
func NewPublicHandler(checker *health.HealthChecker) *PublicHandler {
	return &PublicHandler{checker: checker}
}

// Root 接口名称、版本与入口列表
func (h *PublicHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "IoT Data Marketplace API",
		"version": APIVersion,
		"endpoints": gin.H{
			"feeds":         "/api/feeds",
			"subscriptions": "/api/subscriptions",
			"data":          "/api/data",
			"iot":           "/api/iot",
			"apiKeys":       "/api/api-keys",
			"subscriber":    "/api/subscriber",
			"websocket":     "/ws",
			"metrics":       "/metrics",
		},
	})
}

// Health 存活探针，依赖异常时仍返回 200，状态标记为 degraded
func (h *PublicHandler) Health(c *gin.Context) {
	body := gin.H{
		"success":   true,
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   APIVersion,
	}
	if h.checker != nil {
		services, healthy := h.checker.CheckHealth(c.Request.Context())
		body["services"] = services
		if !healthy {
			body["status"] = "degraded"
		}
	}
	c.JSON(http.StatusOK, body)
}

package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/service"
)

const dataRoute = "/api/data/:feedId"

// UsageLogger 为携带有效密钥的请求记录用量，写入在后台完成
//
// 成功的完整数据读取（GET /api/data/:feedId，不含预览）计为一次查询。
func UsageLogger(recorder *service.UsageRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		credential := CredentialFromContext(c)
		if credential == nil || recorder == nil {
			return
		}

		record := domain.UsageRecord{
			APIKeyID:     credential.ID,
			Endpoint:     c.Request.URL.Path,
			Method:       c.Request.Method,
			StatusCode:   c.Writer.Status(),
			ResponseTime: time.Since(start).Milliseconds(),
			IPAddress:    c.ClientIP(),
			UserAgent:    truncate(c.Request.UserAgent(), 255),
			Timestamp:    start.UTC(),
		}
		if feedID := feedParam(c); feedID != "" {
			record.FeedID = &feedID
		}
		if subscriptionID := credential.LinkedSubscriptionID(); subscriptionID != "" {
			record.SubscriptionID = &subscriptionID
		}
		if isDataQuery(c) {
			record.QueriesUsed = 1
		}
		if size := c.Writer.Size(); size > 0 {
			record.DataSize = int64(size)
		}

		recorder.Record(record)
	}
}

func isDataQuery(c *gin.Context) bool {
	return c.Request.Method == http.MethodGet &&
		c.FullPath() == dataRoute &&
		c.Query("preview") != "true" &&
		c.Writer.Status() < http.StatusBadRequest
}

func feedParam(c *gin.Context) string {
	if id := c.Param("feedId"); id != "" {
		return id
	}
	return c.Param("id")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"iotmarket/backend/internal/domain"
)

// 通用错误消息
const (
	MsgInvalidRequest = "Invalid request body"
	MsgInvalidJSON    = "Request body must be valid JSON"
	MsgInvalidLimit   = "limit must be a positive integer"
	MsgInvalidDate    = "Invalid date (expected RFC3339 or YYYY-MM-DD)"
	MsgInvalidBool    = "Invalid boolean query parameter"
	MsgInvalidPrice   = "Invalid price filter"
	MsgInternalError  = "Internal server error"
)

// StatusFor 错误分类到 HTTP 状态码
func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation, domain.KindInactive:
		return http.StatusBadRequest
	case domain.KindAuthentication:
		return http.StatusUnauthorized
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// respondError 按错误分类写出响应
//
// 5xx 的内部原因只写日志，调用方只看到分类对应的公开信息。
func respondError(c *gin.Context, log *zap.Logger, err error) {
	kind := domain.KindOf(err)
	status := StatusFor(kind)

	fields := []zap.Field{
		zap.String("path", c.FullPath()),
		zap.String("kind", kind.String()),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", fields...)
	} else {
		log.Debug("request rejected", fields...)
	}

	_ = c.Error(err)
	Error(c, status, domain.PublicMessage(err))
}

package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/service"
)

// 上下文键
const (
	ContextCredential = "credential"
	ContextAPIKey     = "apiKey"
)

// ExtractAPIKey 从 X-API-Key 头或 apiKey 查询参数读取密钥
func ExtractAPIKey(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	return c.Query("apiKey")
}

// APIKeyAuth API Key认证中间件
type APIKeyAuth struct {
	credentials *service.CredentialService
	log         *zap.Logger
}

// NewAPIKeyAuth 创建API Key认证中间件
func NewAPIKeyAuth(credentials *service.CredentialService, log *zap.Logger) *APIKeyAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &APIKeyAuth{credentials: credentials, log: log.Named("apikey")}
}

// OptionalAPIKey 校验请求携带的密钥，有效时写入上下文
//
// 无效密钥不在这里拒绝：原始密钥保留在上下文中，由访问决策决定是否回退到 legacy 凭证。
func (m *APIKeyAuth) OptionalAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ExtractAPIKey(c)
		if key == "" {
			c.Next()
			return
		}
		c.Set(ContextAPIKey, key)

		result, err := m.credentials.Validate(c.Request.Context(), key)
		switch {
		case err != nil:
			m.log.Warn("api key validation failed", zap.Error(err))
		case result.Valid:
			c.Set(ContextCredential, result.Credential)
		default:
			m.log.Debug("api key rejected", zap.String("reason", result.Reason))
		}
		c.Next()
	}
}

// CredentialFromContext 读取已校验的密钥
func CredentialFromContext(c *gin.Context) *domain.Credential {
	if v, ok := c.Get(ContextCredential); ok {
		if credential, ok := v.(*domain.Credential); ok {
			return credential
		}
	}
	return nil
}

// RawAPIKey 读取请求携带的原始密钥（无论是否有效）
func RawAPIKey(c *gin.Context) string {
	return c.GetString(ContextAPIKey)
}

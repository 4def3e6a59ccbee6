package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/monitoring"
)

const (
	maxTrackedCredentials = 10000
	limiterTTL            = 10 * time.Minute
)

// CredentialRateLimiter 按密钥限流，限额来自密钥记录的 rateLimit（每分钟请求数）
//
// 未设置限额的密钥不限流。
type CredentialRateLimiter struct {
	limiters *expirable.LRU[string, *rate.Limiter]
	metrics  *monitoring.Metrics
}

// NewCredentialRateLimiter 创建密钥限流器
func NewCredentialRateLimiter(metrics *monitoring.Metrics) *CredentialRateLimiter {
	return &CredentialRateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxTrackedCredentials, nil, limiterTTL),
		metrics:  metrics,
	}
}

// Allow 消耗一次配额
func (l *CredentialRateLimiter) Allow(credential *domain.Credential) bool {
	if credential == nil || credential.RateLimit == nil || *credential.RateLimit <= 0 {
		return true
	}
	perMinute := *credential.RateLimit
	// 限额变化后使用新的令牌桶
	key := credential.ID + ":" + strconv.Itoa(perMinute)

	limiter, ok := l.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		l.limiters.Add(key, limiter)
	}
	return limiter.Allow()
}

// Middleware 超出限额时返回 429
func (l *CredentialRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := CredentialFromContext(c)
		if !l.Allow(credential) {
			l.metrics.RecordRateLimited(string(credential.Type))
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   domain.ErrRateLimited.Message,
			})
			return
		}
		c.Next()
	}
}

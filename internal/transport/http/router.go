package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"iotmarket/backend/internal/config"
	"iotmarket/backend/internal/health"
	"iotmarket/backend/internal/middleware"
	"iotmarket/backend/internal/monitoring"
	"iotmarket/backend/internal/service"
	"iotmarket/backend/internal/websocket"
)

// Handler 聚合数据市场的 HTTP 处理逻辑。
type Handler struct {
	feeds         *service.FeedService
	subscriptions *service.SubscriptionService
	retrieval     *service.RetrievalService
	subscriber    *service.SubscriberService
	log           *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config              *config.Config
	FeedService         *service.FeedService
	SubscriptionService *service.SubscriptionService
	RetrievalService    *service.RetrievalService
	CredentialService   *service.CredentialService
	SubscriberService   *service.SubscriberService
	UsageRecorder       *service.UsageRecorder // 为 nil 时不记录用量
	WebSocketHub        *websocket.Hub         // 为 nil 时不开放 /ws
	HealthChecker       *health.HealthChecker
	Metrics             *monitoring.Metrics
	Logger              *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, log)
	router.Use(monitor.PanicRecovery())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(monitor.HTTPMetrics())

	maxBody := deps.Config.Server.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = middleware.DefaultBodyLimit
	}
	router.Use(middleware.BodySizeLimit(maxBody))

	// CORS 配置，IoT 设备和浏览器都可能直接调用
	corsConfig := gincors.Config{
		AllowOrigins: deps.Config.CORS.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key", "X-Decryption-Key"},
		ExposeHeaders: []string{
			"Content-Length",
			"Retry-After",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		feeds:         deps.FeedService,
		subscriptions: deps.SubscriptionService,
		retrieval:     deps.RetrievalService,
		subscriber:    deps.SubscriberService,
		log:           log.Named("http"),
	}
	apiKeyHandler := NewAPIKeyHandler(deps.CredentialService, handler.log)
	publicHandler := NewPublicHandler(deps.HealthChecker)

	apiKeyAuth := middleware.NewAPIKeyAuth(deps.CredentialService, log)
	rateLimiter := middleware.NewCredentialRateLimiter(deps.Metrics)

	router.GET("/", publicHandler.Root)
	router.GET("/health", publicHandler.Health)
	if deps.HealthChecker != nil {
		router.GET("/health/live", gin.WrapF(deps.HealthChecker.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.HealthChecker.ReadyEndpoint))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}
	if deps.WebSocketHub != nil {
		router.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
	}

	api := router.Group("/api")
	api.Use(apiKeyAuth.OptionalAPIKey())
	api.Use(rateLimiter.Middleware())
	api.Use(middleware.UsageLogger(deps.UsageRecorder))
	{
		// ========== Feed Routes ==========
		feeds := api.Group("/feeds")
		{
			feeds.GET("", handler.listFeeds)
			feeds.GET("/:id", handler.getFeed)
			feeds.POST("", handler.createFeed)
			feeds.PUT("/:id/data", handler.updateFeedData)
			feeds.POST("/:id/rating", handler.rateFeed)
		}

		// ========== Subscription Routes ==========
		api.POST("/subscribe/:feedId", handler.subscribe)
		api.GET("/subscriptions/:id", handler.getSubscription)
		api.POST("/subscriptions/:id/verify", handler.verifySubscription)

		// ========== Data Routes ==========
		data := api.Group("/data")
		{
			data.GET("/:feedId", handler.getData)
			data.GET("/:feedId/history", handler.getHistory)
			data.POST("/upload", handler.uploadData)
		}

		// ========== IoT Routes ==========
		iot := api.Group("/iot")
		{
			iot.POST("/update", handler.iotUpdate)
			iot.POST("/feeds/:feedId/update", handler.iotFeedUpdate)
			iot.GET("/status", handler.iotStatus)
		}

		// ========== API Key Routes ==========
		apiKeys := api.Group("/api-keys")
		{
			apiKeys.POST("/provider", apiKeyHandler.CreateProviderKey)
			apiKeys.POST("/subscriber", apiKeyHandler.CreateSubscriberKey)
			apiKeys.GET("/provider/:address", apiKeyHandler.ListProviderKeys)
			apiKeys.GET("/subscriber/:address", apiKeyHandler.ListSubscriberKeys)
			apiKeys.GET("/feed/:feedId", apiKeyHandler.ListFeedKeys)
			apiKeys.GET("/:keyId", apiKeyHandler.GetAPIKey)
			apiKeys.DELETE("/:keyId", apiKeyHandler.RevokeAPIKey)
		}

		// ========== Subscriber Dashboard Routes ==========
		subscriber := api.Group("/subscriber/:address")
		{
			subscriber.GET("/subscriptions", handler.subscriberSubscriptions)
			subscriber.GET("/api-keys", handler.subscriberAPIKeys)
			subscriber.GET("/usage", handler.subscriberUsage)
			subscriber.GET("/feeds", handler.subscriberFeeds)
		}
	}

	return router
}

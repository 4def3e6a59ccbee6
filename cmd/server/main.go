package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"iotmarket/backend/internal/blobstore"
	blobmemory "iotmarket/backend/internal/blobstore/memory"
	"iotmarket/backend/internal/blobstore/walrus"
	"iotmarket/backend/internal/cache"
	"iotmarket/backend/internal/config"
	"iotmarket/backend/internal/health"
	"iotmarket/backend/internal/ledger"
	ledgermemory "iotmarket/backend/internal/ledger/memory"
	"iotmarket/backend/internal/ledger/sui"
	"iotmarket/backend/internal/logger"
	"iotmarket/backend/internal/monitoring"
	"iotmarket/backend/internal/pool"
	"iotmarket/backend/internal/retry"
	"iotmarket/backend/internal/service"
	"iotmarket/backend/internal/storage"
	"iotmarket/backend/internal/storage/memory"
	"iotmarket/backend/internal/storage/postgres"
	redisstore "iotmarket/backend/internal/storage/redis"
	httptransport "iotmarket/backend/internal/transport/http"
	"iotmarket/backend/internal/websocket"
)

const version = "1.0.0"

// main 启动数据市场网关：HTTP API、实时推送与链上指针补偿任务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		Service:     "iotmarket-gateway",
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting iotmarket gateway",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("ledger_backend", cfg.Ledger.Backend),
		zap.String("blobstore_backend", cfg.BlobStore.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()

	policy := retry.Policy{
		Retries: cfg.Upstream.Retries,
		Delay:   cfg.Upstream.RetryDelay,
		Timeout: cfg.Upstream.Timeout,
	}

	chain, gatewayAddress, err := initializeLedger(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize ledger", zap.Error(err))
	}
	resilientLedger := ledger.NewResilient(chain, policy, metrics, log)

	blobs, err := initializeBlobStore(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize blob store", zap.Error(err))
	}
	resilientBlobs := blobstore.NewResilient(blobs, policy, metrics, log)

	store, err := initializeStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}

	// Redis 只在缓存或跨实例推送需要时连接
	var redisClient *redisstore.Client
	if cfg.Cache.Backend == "redis" || cfg.WebSocket.Fanout == "redis" {
		redisClient, err = redisstore.New(ctx, &cfg.Redis, log)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
	}

	var cacheBackend cache.Backend
	if cfg.Cache.Backend == "redis" {
		cacheBackend = redisstore.NewBlobBackend(redisClient, cfg.Cache.TTL)
	} else {
		cacheBackend = cache.NewMemoryBackend(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	}
	blobCache := cache.NewBlobCache(cacheBackend, metrics, log)
	log.Info("blob cache initialized",
		zap.String("backend", cfg.Cache.Backend),
		zap.Duration("ttl", cfg.Cache.TTL),
	)

	// 后台协程池：用量写入与密钥最后使用时间
	usagePool := pool.NewWorkerPool("usage", cfg.Usage.Workers, cfg.Usage.QueueSize, log)
	touchPool := pool.NewWorkerPool("credential-touch", 2, cfg.Usage.QueueSize, log)

	// 初始化服务层
	credentialService := service.NewCredentialService(store, resilientLedger, touchPool, log)
	accessService := service.NewAccessService(credentialService, resilientLedger, metrics, log)
	retrievalService := service.NewRetrievalService(resilientLedger, accessService, blobCache, resilientBlobs, store, log)
	feedService := service.NewFeedService(service.FeedServiceConfig{
		Ledger:          resilientLedger,
		Blobs:           resilientBlobs,
		History:         store,
		Access:          accessService,
		Metrics:         metrics,
		Logger:          log,
		DefaultProvider: gatewayAddress,
	})
	subscriptionService := service.NewSubscriptionService(resilientLedger, retrievalService, accessService, gatewayAddress, log)
	subscriberService := service.NewSubscriberService(resilientLedger, credentialService, store, log)
	usageRecorder := service.NewUsageRecorder(store, usagePool, metrics, log)

	var fanout websocket.Fanout
	if cfg.WebSocket.Fanout == "redis" {
		fanout = redisstore.NewFeedEvents(redisClient)
	}
	wsHub := websocket.NewHub(retrievalService, websocket.Options{
		PingInterval:   cfg.WebSocket.PingInterval,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Fanout:         fanout,
		Metrics:        metrics,
		Logger:         log,
	})
	feedService.SetNotifier(wsHub)

	dependencies := map[string]health.Pinger{
		"database": store,
		"ledger":   health.LedgerPinger(resilientLedger),
	}
	if redisClient != nil {
		dependencies["redis"] = redisClient
	}
	healthChecker := health.NewHealthChecker(dependencies, log)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:              cfg,
		FeedService:         feedService,
		SubscriptionService: subscriptionService,
		RetrievalService:    retrievalService,
		CredentialService:   credentialService,
		SubscriberService:   subscriberService,
		UsageRecorder:       usageRecorder,
		WebSocketHub:        wsHub,
		HealthChecker:       healthChecker,
		Metrics:             metrics,
		Logger:              log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub", zap.String("fanout", cfg.WebSocket.Fanout))
		wsHub.Run(groupCtx)
		return nil
	})

	// 链上指针补偿 goroutine
	if cfg.Reconcile.Interval > 0 {
		group.Go(func() error {
			ticker := time.NewTicker(cfg.Reconcile.Interval)
			defer ticker.Stop()

			log.Info("starting ledger reconcile task", zap.Duration("interval", cfg.Reconcile.Interval))

			for {
				select {
				case <-groupCtx.Done():
					log.Info("reconcile task stopped")
					return nil
				case <-ticker.C:
					count, err := feedService.Reconcile(groupCtx)
					if err != nil {
						log.Error("failed to reconcile pending feed updates", zap.Error(err))
					} else if count > 0 {
						log.Info("pending feed updates reconciled", zap.Int("count", count))
					}
				}
			}
		})
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// 先排空队列中的用量记录，再关闭存储
		if err := usagePool.Shutdown(shutdownCtx); err != nil {
			log.Warn("usage pool shutdown incomplete", zap.Error(err))
		}
		if err := touchPool.Shutdown(shutdownCtx); err != nil {
			log.Warn("credential touch pool shutdown incomplete", zap.Error(err))
		}

		if err := store.Close(); err != nil {
			log.Warn("storage close warning", zap.Error(err))
		}
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				log.Warn("redis close warning", zap.Error(err))
			}
		}
		if closer, ok := chain.(interface{ Close() }); ok {
			closer.Close()
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeLedger 按配置创建账本客户端
//
// 返回值:
//   - ledger.Ledger: 账本实现
//   - string: 网关签名地址，未配置私钥或使用内存账本时为空
//   - error: 配置错误
func initializeLedger(cfg *config.Config, log *zap.Logger) (ledger.Ledger, string, error) {
	if cfg.Ledger.Backend == "memory" {
		log.Warn("using in-memory ledger (development mode)")
		return ledgermemory.New(), "", nil
	}

	chain, err := sui.New(cfg.Ledger, cfg.Upstream.Timeout, log)
	if err != nil {
		return nil, "", err
	}
	log.Info("sui ledger initialized",
		zap.String("network", cfg.Ledger.Network),
		zap.String("rpc_url", cfg.Ledger.RPCURL),
		zap.String("package_id", cfg.Ledger.PackageID),
	)
	return chain, chain.SignerAddress(), nil
}

// initializeBlobStore 按配置创建 blob 存储
func initializeBlobStore(cfg *config.Config, log *zap.Logger) (blobstore.Store, error) {
	if cfg.BlobStore.Backend == "memory" {
		log.Warn("using in-memory blob store (development mode)")
		return blobmemory.New(), nil
	}

	client, err := walrus.NewClient(cfg.BlobStore, cfg.Upstream.Timeout, log)
	if err != nil {
		return nil, err
	}
	log.Info("walrus blob store initialized",
		zap.String("publisher", cfg.BlobStore.PublisherURL),
		zap.String("aggregator", cfg.BlobStore.AggregatorURL),
		zap.Int("epochs", cfg.BlobStore.Epochs),
	)
	return client, nil
}

// initializeStorage 初始化密钥、用量与历史索引存储
func initializeStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type == "" {
		log.Warn("using memory storage (development mode)")
		return memory.NewStore(), nil
	}

	log.Info("initializing database storage",
		zap.String("database_type", cfg.Database.Type),
		zap.String("mode", cfg.Database.Mode),
	)
	store, err := postgres.Open(ctx, &cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	log.Info("database storage initialized successfully", zap.String("database_type", cfg.Database.Type))
	return store, nil
}

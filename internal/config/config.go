package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host            string        // 监听地址，默认 "0.0.0.0"
	Port            int           // 监听端口，默认 3001
	ShutdownTimeout time.Duration // 优雅关闭等待时间，默认 10 秒
	MaxBodyBytes    int64         // 请求体上限，默认 10MB（数据上传）
}

// CORSConfig 定义跨域资源共享 (CORS) 配置，同时约束 WebSocket Origin
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到 stdout
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type string // 数据库类型: "mysql"、"postgres"，留空使用内存存储
	DSN  string // 数据库连接字符串
	// Mode 连接策略，启动时选定一次:
	//   direct  gorm 直接管理 database/sql 连接
	//   pooled  通过 pgxpool 连接池（仅 postgres）
	Mode            string
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// CacheConfig 定义 blob 缓存配置
type CacheConfig struct {
	Backend    string        // "memory" 或 "redis"
	TTL        time.Duration // 条目生存时间，默认 300 秒
	MaxEntries int           // 内存后端最大条目数，默认 1024
}

// LedgerConfig 定义账本客户端配置
type LedgerConfig struct {
	Backend    string // "sui" 或 "memory"
	Network    string // testnet、mainnet、devnet、localnet
	RPCURL     string // 留空时按 Network 推导
	PackageID  string // 合约包 ID
	RegistryID string // 数据源注册表对象 ID
	TreasuryID string // 平台金库对象 ID
	PrivateKey string // 十六进制 ed25519 私钥（32 字节种子或 64 字节私钥，可带 0x）
	GasBudget  uint64 // 每笔交易 gas 预算
}

// BlobStoreConfig 定义 blob 存储配置
type BlobStoreConfig struct {
	Backend       string // "walrus" 或 "memory"
	PublisherURL  string
	AggregatorURL string
	Epochs        int // 存储 epoch 数，默认 5
}

// UpstreamConfig 定义外部系统调用的超时与重试
type UpstreamConfig struct {
	Timeout    time.Duration // 单次调用超时，默认 10 秒
	Retries    int           // 只读调用的重试次数，默认 2
	RetryDelay time.Duration // 固定重试间隔，默认 600 毫秒
}

// UsageConfig 定义用量记录工作池配置
type UsageConfig struct {
	Workers   int // 工作协程数，默认 4
	QueueSize int // 队列长度，默认 1000；队列满时丢弃
}

// WebSocketConfig 定义实时推送配置
type WebSocketConfig struct {
	PingInterval time.Duration // 存活探测间隔，默认 30 秒
	Fanout       string        // "local" 或 "redis"（多实例部署时经 Redis 转发更新）
}

// ReconcileConfig 定义链上指针补偿任务配置
type ReconcileConfig struct {
	Interval time.Duration // 扫描间隔，默认 5 分钟；0 表示关闭
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server    ServerConfig
	CORS      CORSConfig
	Log       LogConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Ledger    LedgerConfig
	BlobStore BlobStoreConfig
	Upstream  UpstreamConfig
	Usage     UsageConfig
	WebSocket WebSocketConfig
	Reconcile ReconcileConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//   1. 系统环境变量（最高优先级）
//   2. .env 文件（如果存在）
//   3. 默认值
//
// 环境变量前缀: IOTMARKET_
// 例如: IOTMARKET_SERVER_PORT, IOTMARKET_LEDGER_PACKAGE_ID
//
// 返回值:
//   - *Config: 加载成功的配置对象
//   - error: 配置验证失败时返回错误
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("iotmarket")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	cacheTTL, err := time.ParseDuration(viper.GetString("cache.ttl"))
	if err != nil {
		return nil, fmt.Errorf("invalid cache.ttl: %w", err)
	}

	upstreamTimeout, err := time.ParseDuration(viper.GetString("upstream.timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream.timeout: %w", err)
	}

	retryDelay, err := time.ParseDuration(viper.GetString("upstream.retry_delay"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream.retry_delay: %w", err)
	}

	pingInterval, err := time.ParseDuration(viper.GetString("websocket.ping_interval"))
	if err != nil || pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}

	reconcileInterval, err := time.ParseDuration(viper.GetString("reconcile.interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid reconcile.interval: %w", err)
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	shutdownTimeout, err := time.ParseDuration(viper.GetString("server.shutdown_timeout"))
	if err != nil {
		shutdownTimeout = 10 * time.Second
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            viper.GetString("server.host"),
			Port:            viper.GetInt("server.port"),
			ShutdownTimeout: shutdownTimeout,
			MaxBodyBytes:    viper.GetInt64("server.max_body_bytes"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            strings.ToLower(viper.GetString("database.type")),
			DSN:             viper.GetString("database.dsn"),
			Mode:            strings.ToLower(viper.GetString("database.mode")),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Cache: CacheConfig{
			Backend:    strings.ToLower(viper.GetString("cache.backend")),
			TTL:        cacheTTL,
			MaxEntries: viper.GetInt("cache.max_entries"),
		},
		Ledger: LedgerConfig{
			Backend:    strings.ToLower(viper.GetString("ledger.backend")),
			Network:    strings.ToLower(viper.GetString("ledger.network")),
			RPCURL:     viper.GetString("ledger.rpc_url"),
			PackageID:  viper.GetString("ledger.package_id"),
			RegistryID: viper.GetString("ledger.registry_id"),
			TreasuryID: viper.GetString("ledger.treasury_id"),
			PrivateKey: viper.GetString("ledger.private_key"),
			GasBudget:  viper.GetUint64("ledger.gas_budget"),
		},
		BlobStore: BlobStoreConfig{
			Backend:       strings.ToLower(viper.GetString("blobstore.backend")),
			PublisherURL:  strings.TrimRight(viper.GetString("blobstore.publisher_url"), "/"),
			AggregatorURL: strings.TrimRight(viper.GetString("blobstore.aggregator_url"), "/"),
			Epochs:        viper.GetInt("blobstore.epochs"),
		},
		Upstream: UpstreamConfig{
			Timeout:    upstreamTimeout,
			Retries:    viper.GetInt("upstream.retries"),
			RetryDelay: retryDelay,
		},
		Usage: UsageConfig{
			Workers:   viper.GetInt("usage.workers"),
			QueueSize: viper.GetInt("usage.queue_size"),
		},
		WebSocket: WebSocketConfig{
			PingInterval: pingInterval,
			Fanout:       strings.ToLower(viper.GetString("websocket.fanout")),
		},
		Reconcile: ReconcileConfig{
			Interval: reconcileInterval,
		},
	}

	if cfg.Ledger.RPCURL == "" {
		cfg.Ledger.RPCURL = NetworkRPCURL(cfg.Ledger.Network)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 3001)
	viper.SetDefault("server.shutdown_timeout", "10s")
	viper.SetDefault("server.max_body_bytes", 10<<20)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.mode", "direct")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("cache.backend", "memory")
	viper.SetDefault("cache.ttl", "300s")
	viper.SetDefault("cache.max_entries", 1024)
	viper.SetDefault("ledger.backend", "memory")
	viper.SetDefault("ledger.network", "testnet")
	viper.SetDefault("ledger.rpc_url", "")
	viper.SetDefault("ledger.package_id", "")
	viper.SetDefault("ledger.registry_id", "")
	viper.SetDefault("ledger.treasury_id", "")
	viper.SetDefault("ledger.private_key", "")
	viper.SetDefault("ledger.gas_budget", 100000000)
	viper.SetDefault("blobstore.backend", "memory")
	viper.SetDefault("blobstore.publisher_url", "https://publisher.walrus-testnet.walrus.space")
	viper.SetDefault("blobstore.aggregator_url", "https://aggregator.walrus-testnet.walrus.space")
	viper.SetDefault("blobstore.epochs", 5)
	viper.SetDefault("upstream.timeout", "10s")
	viper.SetDefault("upstream.retries", 2)
	viper.SetDefault("upstream.retry_delay", "600ms")
	viper.SetDefault("usage.workers", 4)
	viper.SetDefault("usage.queue_size", 1000)
	viper.SetDefault("websocket.ping_interval", "30s")
	viper.SetDefault("websocket.fanout", "local")
	viper.SetDefault("reconcile.interval", "5m")
}

// validate 检查取值范围和组合约束
func (c *Config) validate() error {
	switch c.Database.Type {
	case "", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}
	switch c.Database.Mode {
	case "direct":
	case "pooled":
		if c.Database.Type != "postgres" {
			return fmt.Errorf("database.mode pooled requires database.type postgres")
		}
	default:
		return fmt.Errorf("unsupported database.mode %q", c.Database.Mode)
	}
	if c.Database.Type != "" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.type is set")
	}

	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache.backend %q", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 1024
	}

	switch c.Ledger.Backend {
	case "memory":
	case "sui":
		if c.Ledger.PackageID == "" {
			return fmt.Errorf("ledger.package_id is required for the sui backend")
		}
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("unknown ledger.network %q and no ledger.rpc_url", c.Ledger.Network)
		}
	default:
		return fmt.Errorf("unsupported ledger.backend %q", c.Ledger.Backend)
	}

	switch c.BlobStore.Backend {
	case "memory":
	case "walrus":
		if c.BlobStore.PublisherURL == "" || c.BlobStore.AggregatorURL == "" {
			return fmt.Errorf("blobstore publisher_url and aggregator_url are required for walrus")
		}
	default:
		return fmt.Errorf("unsupported blobstore.backend %q", c.BlobStore.Backend)
	}
	if c.BlobStore.Epochs <= 0 {
		c.BlobStore.Epochs = 5
	}

	switch c.WebSocket.Fanout {
	case "local", "redis":
	default:
		return fmt.Errorf("unsupported websocket.fanout %q", c.WebSocket.Fanout)
	}

	if c.Upstream.Retries < 0 {
		return fmt.Errorf("upstream.retries must be >= 0")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Usage.Workers <= 0 {
		c.Usage.Workers = 4
	}
	if c.Usage.QueueSize <= 0 {
		c.Usage.QueueSize = 1000
	}
	return nil
}

// NetworkRPCURL 返回公共全节点地址，未知网络返回空串
func NetworkRPCURL(network string) string {
	switch network {
	case "mainnet":
		return "https://fullnode.mainnet.sui.io:443"
	case "testnet":
		return "https://fullnode.testnet.sui.io:443"
	case "devnet":
		return "https://fullnode.devnet.sui.io:443"
	case "localnet":
		return "http://127.0.0.1:9000"
	default:
		return ""
	}
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 环境变量不会被覆盖（已存在的环境变量优先级更高）
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}

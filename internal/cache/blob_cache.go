package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"go.uber.org/zap"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/monitoring"
)

// 缓存命名空间
const (
	NamespacePreview = "preview"
	NamespaceData    = "data"
)

// DefaultTTL 默认条目生存时间
const DefaultTTL = 300 * time.Second

// Backend 缓存后端，TTL 由后端按进程统一值执行
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
}

// BlobCache blob 负载的短期缓存
//
// 只缓存成功结果；后端故障按未命中处理，不影响调用方。
// 键包含 blob ID，feed 指针变更后旧条目自然失效。
type BlobCache struct {
	backend Backend
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewBlobCache 创建 blob 缓存
func NewBlobCache(backend Backend, metrics *monitoring.Metrics, log *zap.Logger) *BlobCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &BlobCache{
		backend: backend,
		metrics: metrics,
		log:     log.Named("cache"),
	}
}

// PreviewKey 预览负载的缓存键
func PreviewKey(feedID, blobID string) string {
	return NamespacePreview + ":" + feedID + ":" + blobID
}

// DataKey 完整负载的缓存键
//
// 携带解密密钥时追加密钥指纹，使明文只对持有同一密钥的调用方可见。
func DataKey(feedID, blobID, decryptionKey string) string {
	key := NamespaceData + ":" + feedID + ":" + blobID
	if decryptionKey == "" {
		return key
	}
	sum := sha256.Sum256([]byte(decryptionKey))
	return key + ":" + hex.EncodeToString(sum[:8])
}

// Get 读取缓存，后端错误按未命中处理
func (c *BlobCache) Get(ctx context.Context, key string) (domain.Payload, bool) {
	value, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		ok = false
	}
	c.metrics.RecordCacheLookup(namespaceOf(key), ok)
	if !ok {
		return nil, false
	}
	return domain.Payload(value), true
}

// Put 写入缓存，失败只记录日志
func (c *BlobCache) Put(ctx context.Context, key string, payload domain.Payload) {
	if err := c.backend.Set(ctx, key, payload); err != nil {
		c.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate 删除指定键
func (c *BlobCache) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.backend.Delete(ctx, keys...); err != nil {
		c.log.Warn("cache invalidate failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

func namespaceOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "unknown"
}

package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const blobKeyPrefix = "iotmarket:blob:"

// BlobBackend blob 缓存的 Redis 后端，多个网关实例共享
type BlobBackend struct {
	client *Client
	ttl    time.Duration
}

// NewBlobBackend 创建 Redis 缓存后端
func NewBlobBackend(client *Client, ttl time.Duration) *BlobBackend {
	return &BlobBackend{client: client, ttl: ttl}
}

// Get 读取条目，键不存在不是错误
func (b *BlobBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.client.rdb.Get(ctx, blobKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Set 写入条目（带过期时间）
func (b *BlobBackend) Set(ctx context.Context, key string, value []byte) error {
	return b.client.rdb.Set(ctx, blobKeyPrefix+key, value, b.ttl).Err()
}

// Delete 删除条目
func (b *BlobBackend) Delete(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = blobKeyPrefix + key
	}
	return b.client.rdb.Del(ctx, prefixed...).Err()
}

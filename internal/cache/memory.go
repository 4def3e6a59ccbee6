package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryBackend 进程内缓存后端
//
// 基于带过期时间的 LRU，条目数有上限，过期条目视为不存在。
type MemoryBackend struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemoryBackend 创建内存后端
//
// 参数:
//   - maxEntries: 最大条目数
//   - ttl: 条目生存时间
func NewMemoryBackend(maxEntries int, ttl time.Duration) *MemoryBackend {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryBackend{
		lru: expirable.NewLRU[string, []byte](maxEntries, nil, ttl),
	}
}

// Get 读取条目
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, ok := m.lru.Get(key)
	return value, ok, nil
}

// Set 写入条目，保存副本
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	m.lru.Add(key, append([]byte(nil), value...))
	return nil
}

// Delete 删除条目
func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		m.lru.Remove(key)
	}
	return nil
}

// Len 当前条目数
func (m *MemoryBackend) Len() int {
	return m.lru.Len()
}

package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"iotmarket/backend/internal/blobstore"
	"iotmarket/backend/internal/domain"
)

// Store 进程内内容寻址 blob 存储，ID 为 CIDv1（raw, sha2-256）
type Store struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	fail  error
}

var _ blobstore.Store = (*Store)(nil)

// New 创建内存 blob 存储
func New() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

// SetFailure 让后续调用返回 err，nil 时恢复
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Len 已存储的 blob 数
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Upload 保存载荷，相同内容得到相同 ID
func (s *Store) Upload(_ context.Context, payload domain.Payload, encryptionKey string) (string, error) {
	body, err := blobstore.Encode(payload, encryptionKey)
	if err != nil {
		return "", err
	}
	id, err := contentID(body)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}
	s.blobs[id] = body
	return id, nil
}

// Retrieve 读取载荷
func (s *Store) Retrieve(_ context.Context, blobID, decryptionKey string) (domain.Payload, error) {
	s.mu.RLock()
	fail := s.fail
	body, ok := s.blobs[blobID]
	s.mu.RUnlock()

	if fail != nil {
		return nil, fail
	}
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", blobID, domain.ErrBlobNotFound)
	}
	return blobstore.Decode(body, decryptionKey)
}

func contentID(data []byte) (string, error) {
	hash, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, hash).String(), nil
}

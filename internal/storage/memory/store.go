package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/storage"
)

// Store 使用内存保存密钥、用量与历史索引，主要用于开发验证和测试。
type Store struct {
	mu          sync.RWMutex
	credentials map[string]*domain.Credential // id -> credential
	byHash      map[string]string             // keyHash -> id
	usage       []*domain.UsageRecord
	history     map[string][]*domain.FeedDataRecord // feedID -> records（按写入顺序）
	historyByID map[string]*domain.FeedDataRecord
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		credentials: make(map[string]*domain.Credential),
		byHash:      make(map[string]string),
		history:     make(map[string][]*domain.FeedDataRecord),
		historyByID: make(map[string]*domain.FeedDataRecord),
	}
}

var _ storage.Store = (*Store)(nil)

// ========== Credential Repository ==========

// CreateCredential 保存新签发的密钥。
func (s *Store) CreateCredential(_ context.Context, credential *domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHash[credential.KeyHash]; exists {
		return domain.NewError(domain.KindConflict, "API key already exists", nil)
	}
	if credential.ID == "" {
		credential.ID = uuid.NewString()
	}
	if credential.CreatedAt.IsZero() {
		credential.CreatedAt = time.Now().UTC()
	}

	copied := *credential
	s.credentials[copied.ID] = &copied
	s.byHash[copied.KeyHash] = copied.ID
	return nil
}

// GetCredential 根据 ID 获取密钥。
func (s *Store) GetCredential(_ context.Context, id string) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	credential, ok := s.credentials[id]
	if !ok {
		return nil, domain.ErrCredentialNotFound
	}
	copied := *credential
	return &copied, nil
}

// GetCredentialByHash 根据密钥哈希获取密钥。
func (s *Store) GetCredentialByHash(ctx context.Context, keyHash string) (*domain.Credential, error) {
	s.mu.RLock()
	id, ok := s.byHash[keyHash]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrCredentialNotFound
	}
	return s.GetCredential(ctx, id)
}

// ListCredentials 按创建时间倒序返回匹配的密钥。
func (s *Store) ListCredentials(_ context.Context, filter storage.CredentialFilter) ([]domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Credential, 0)
	for _, c := range s.credentials {
		if matchCredential(c, filter) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// RevokeCredential 吊销密钥，重复吊销保留首次时间。
func (s *Store) RevokeCredential(_ context.Context, id string, at time.Time) (*domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	credential, ok := s.credentials[id]
	if !ok {
		return nil, domain.ErrCredentialNotFound
	}
	if credential.RevokedAt == nil {
		revokedAt := at
		credential.RevokedAt = &revokedAt
	}
	copied := *credential
	return &copied, nil
}

// TouchCredential 使用计数加一并刷新最后使用时间。
func (s *Store) TouchCredential(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	credential, ok := s.credentials[id]
	if !ok {
		return domain.ErrCredentialNotFound
	}
	credential.UsageCount++
	usedAt := at
	credential.LastUsedAt = &usedAt
	return nil
}

func matchCredential(c *domain.Credential, f storage.CredentialFilter) bool {
	if !f.IncludeRevoked && c.RevokedAt != nil {
		return false
	}
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	if f.ProviderAddress != "" && (c.ProviderAddress == nil || !domain.SameAddress(*c.ProviderAddress, f.ProviderAddress)) {
		return false
	}
	if f.ConsumerAddress != "" && (c.ConsumerAddress == nil || !domain.SameAddress(*c.ConsumerAddress, f.ConsumerAddress)) {
		return false
	}
	if f.FeedID != "" && c.LinkedFeedID() != f.FeedID {
		return false
	}
	if f.SubscriptionID != "" && c.LinkedSubscriptionID() != f.SubscriptionID {
		return false
	}
	return true
}

// ========== Usage Repository ==========

// AppendUsage 追加一条用量记录。
func (s *Store) AppendUsage(_ context.Context, record *domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	copied := *record
	s.usage = append(s.usage, &copied)
	return nil
}

// ListUsage 按时间倒序返回匹配的用量记录。
func (s *Store) ListUsage(_ context.Context, query domain.UsageQuery) ([]domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keyIDs := make(map[string]struct{}, len(query.APIKeyIDs))
	for _, id := range query.APIKeyIDs {
		keyIDs[id] = struct{}{}
	}

	out := make([]domain.UsageRecord, 0)
	for i := len(s.usage) - 1; i >= 0; i-- {
		r := s.usage[i]
		if len(keyIDs) > 0 {
			if _, ok := keyIDs[r.APIKeyID]; !ok {
				continue
			}
		}
		if query.FeedID != "" && (r.FeedID == nil || *r.FeedID != query.FeedID) {
			continue
		}
		if query.Start != nil && r.Timestamp.Before(*query.Start) {
			continue
		}
		if query.End != nil && r.Timestamp.After(*query.End) {
			continue
		}
		out = append(out, *r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// ========== History Repository ==========

// AppendHistory 追加一条历史索引。
func (s *Store) AppendHistory(_ context.Context, record *domain.FeedDataRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	copied := *record
	s.history[copied.FeedID] = append(s.history[copied.FeedID], &copied)
	s.historyByID[copied.ID] = &copied
	return nil
}

// ListHistory 按时间倒序返回指定 feed 的历史索引。
func (s *Store) ListHistory(_ context.Context, query domain.HistoryQuery) ([]domain.FeedDataRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.history[query.FeedID]
	out := make([]domain.FeedDataRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if query.Start != nil && r.CreatedAt.Before(*query.Start) {
			continue
		}
		if query.End != nil && r.CreatedAt.After(*query.End) {
			continue
		}
		out = append(out, *r)
	}
	sortNewestFirst(out)
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// ListUnsynced 返回未同步到账本的记录。
func (s *Store) ListUnsynced(_ context.Context, limit int) ([]domain.FeedDataRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.FeedDataRecord, 0)
	for _, r := range s.historyByID {
		if !r.LedgerSynced {
			out = append(out, *r)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkSynced 标记记录已同步。
func (s *Store) MarkSynced(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if r, ok := s.historyByID[id]; ok {
			r.LedgerSynced = true
		}
	}
	return nil
}

func sortNewestFirst(records []domain.FeedDataRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

// Ping 内存存储始终可用。
func (s *Store) Ping(context.Context) error {
	return nil
}

// Close 内存存储无需释放资源。
func (s *Store) Close() error {
	return nil
}

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestMemoryStore_CredentialOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	credential := &domain.Credential{
		ID:              "key-1",
		KeyHash:         "hash-1",
		KeyPrefix:       "sk_abcdefgh",
		Type:            domain.CredentialTypeSubscriber,
		SubscriptionID:  strPtr("0xsub"),
		ConsumerAddress: strPtr("0xAAA"),
		CreatedAt:       time.Now(),
	}
	require.NoError(t, store.CreateCredential(ctx, credential))

	// 相同哈希不能重复写入
	err := store.CreateCredential(ctx, &domain.Credential{ID: "key-2", KeyHash: "hash-1"})
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	got, err := store.GetCredentialByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "key-1", got.ID)

	_, err = store.GetCredentialByHash(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrCredentialNotFound))

	// 地址比较忽略大小写
	list, err := store.ListCredentials(ctx, storage.CredentialFilter{ConsumerAddress: "0xaaa"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.TouchCredential(ctx, "key-1", time.Now()))
	require.NoError(t, store.TouchCredential(ctx, "key-1", time.Now()))
	got, err = store.GetCredential(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.UsageCount)
	assert.NotNil(t, got.LastUsedAt)
}

func TestMemoryStore_RevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.CreateCredential(ctx, &domain.Credential{ID: "key-1", KeyHash: "h", Type: domain.CredentialTypeProvider}))

	first := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	revoked, err := store.RevokeCredential(ctx, "key-1", first)
	require.NoError(t, err)
	assert.Equal(t, first, *revoked.RevokedAt)

	revoked, err = store.RevokeCredential(ctx, "key-1", first.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first, *revoked.RevokedAt, "重复吊销保留首次时间")

	list, err := store.ListCredentials(ctx, storage.CredentialFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = store.ListCredentials(ctx, storage.CredentialFilter{IncludeRevoked: true})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = store.RevokeCredential(ctx, "missing", first)
	assert.Error(t, err)
}

func TestMemoryStore_UsageOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendUsage(ctx, &domain.UsageRecord{
			APIKeyID:  "key-1",
			FeedID:    strPtr("0xfeed"),
			Endpoint:  "/api/data/0xfeed",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.AppendUsage(ctx, &domain.UsageRecord{APIKeyID: "key-2", Timestamp: base}))

	records, err := store.ListUsage(ctx, domain.UsageQuery{APIKeyIDs: []string{"key-1"}, Limit: 3})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.True(t, records[0].Timestamp.After(records[1].Timestamp))

	start := base.Add(3 * time.Minute)
	records, err = store.ListUsage(ctx, domain.UsageQuery{FeedID: "0xfeed", Start: &start})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestMemoryStore_HistoryOperations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, blob := range []string{"blob-a", "blob-b", "blob-c"} {
		require.NoError(t, store.AppendHistory(ctx, &domain.FeedDataRecord{
			ID:           blob,
			FeedID:       "0xfeed",
			BlobID:       blob,
			LedgerSynced: i != 1,
			CreatedAt:    base.Add(time.Duration(i) * time.Hour),
		}))
	}

	records, err := store.ListHistory(ctx, domain.HistoryQuery{FeedID: "0xfeed", Limit: 2})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "blob-c", records[0].BlobID)
	assert.Equal(t, "blob-b", records[1].BlobID)

	end := base.Add(30 * time.Minute)
	records, err = store.ListHistory(ctx, domain.HistoryQuery{FeedID: "0xfeed", End: &end})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "blob-a", records[0].BlobID)

	unsynced, err := store.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, "blob-b", unsynced[0].ID)

	require.NoError(t, store.MarkSynced(ctx, []string{"blob-b"}))
	unsynced, err = store.ListUnsynced(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

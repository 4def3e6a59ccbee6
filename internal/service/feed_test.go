package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/monitoring"
	"iotmarket/backend/internal/storage"
)

// failingHistory 写入历史记录总是失败
type failingHistory struct {
	storage.HistoryRepository
}

func (failingHistory) AppendHistory(context.Context, *domain.FeedDataRecord) error {
	return errors.New("database is locked")
}

func TestRegisterFeed(t *testing.T) {
	ctx := context.Background()

	t.Run("注册并写入历史索引", func(t *testing.T) {
		f := newFixture(t)
		result, err := f.feeds.Register(ctx, RegisterInput{
			Provider: providerAddr,
			Metadata: domain.FeedMetadata{Name: "Air Quality", Category: "air_quality", PricePerQuery: 5},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, result.FeedID)
		assert.NotEmpty(t, result.BlobID)
		assert.Empty(t, result.EncryptionKey)

		feed, err := f.feeds.Get(ctx, result.FeedID)
		require.NoError(t, err)
		assert.Equal(t, uint64(defaultUpdateFrequency), feed.UpdateFrequency)
		assert.Equal(t, result.BlobID, feed.BlobID)

		payload, err := f.blobs.Retrieve(ctx, result.BlobID, "")
		require.NoError(t, err)
		assert.JSONEq(t, `[]`, string(payload))

		history, err := f.store.ListHistory(ctx, domain.HistoryQuery{FeedID: result.FeedID})
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.True(t, history[0].LedgerSynced)
	})

	t.Run("缺少必填字段", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.feeds.Register(ctx, RegisterInput{Provider: providerAddr, Metadata: domain.FeedMetadata{Name: "x"}})
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
		assert.Equal(t, 0, f.blobs.Len())
	})

	t.Run("未声明提供者且无默认地址", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.feeds.Register(ctx, RegisterInput{Metadata: domain.FeedMetadata{Name: "x", Category: "other"}})
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	})

	t.Run("账本失败时不返回 feed", func(t *testing.T) {
		f := newFixture(t)
		f.ledger.FailOn("register_feed", domain.Upstream("Ledger unavailable", errors.New("timeout")))
		_, err := f.feeds.Register(ctx, RegisterInput{
			Provider: providerAddr,
			Metadata: domain.FeedMetadata{Name: "x", Category: "other"},
		})
		assert.Equal(t, domain.KindUpstream, domain.KindOf(err))
	})
}

func TestUpdateFeedData(t *testing.T) {
	ctx := context.Background()

	t.Run("提供者更新数据并推送", func(t *testing.T) {
		f := newFixture(t)
		feed := f.putFeed(t, `{"v":1}`)

		result, err := f.feeds.UpdateData(ctx, feed.ID, UpdateInput{
			Data:            domain.Payload(`{"v":2}`),
			ProviderAddress: providerAddr,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusOK, result.Status)
		assert.NotEmpty(t, result.Digest)

		updated, err := f.feeds.Get(ctx, feed.ID)
		require.NoError(t, err)
		assert.Equal(t, result.BlobID, updated.BlobID)

		require.Len(t, f.notifier.events, 1)
		assert.Equal(t, feed.ID, f.notifier.events[0].FeedID)
		assert.JSONEq(t, `{"v":2}`, string(f.notifier.events[0].Payload))
	})

	t.Run("提供者密钥更新", func(t *testing.T) {
		f := newFixture(t)
		feed := f.putFeed(t, `{"v":1}`)
		issued, err := f.credentials.Issue(ctx, IssueInput{Type: domain.CredentialTypeProvider, FeedID: feed.ID, Address: providerAddr})
		require.NoError(t, err)
		validation, err := f.credentials.Validate(ctx, issued.Secret)
		require.NoError(t, err)

		result, err := f.feeds.UpdateData(ctx, feed.ID, UpdateInput{
			Data:       domain.Payload(`{"v":2}`),
			Credential: validation.Credential,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusOK, result.Status)
	})

	t.Run("非提供者被拒绝", func(t *testing.T) {
		f := newFixture(t)
		feed := f.putFeed(t, `{"v":1}`)

		_, err := f.feeds.UpdateData(ctx, feed.ID, UpdateInput{
			Data:            domain.Payload(`{"v":2}`),
			ProviderAddress: strangerAddr,
		})
		assert.Equal(t, domain.KindAuthorization, domain.KindOf(err))
		assert.Empty(t, f.notifier.events)
	})

	t.Run("未激活的 feed", func(t *testing.T) {
		f := newFixture(t)
		feed := f.putFeed(t, `{}`)
		f.ledger.SetFeedActive(feed.ID, false)

		_, err := f.feeds.UpdateData(ctx, feed.ID, UpdateInput{Data: domain.Payload(`{}`), ProviderAddress: providerAddr})
		assert.ErrorIs(t, err, domain.ErrFeedInactive)
	})

	t.Run("高级 feed 缺少加密密钥", func(t *testing.T) {
		f := newFixture(t)
		feed := f.putFeed(t, `{}`)
		feed.IsPremium = true
		f.ledger.PutFeed(feed)

		_, err := f.feeds.UpdateData(ctx, feed.ID, UpdateInput{Data: domain.Payload(`{}`), ProviderAddress: providerAddr})
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	})

	t.Run("高级 feed 只推送 blob 指针", func(t *testing.T) {
		f := newFixture(t)
		feed := f.putFeed(t, `{}`)
		feed.IsPremium = true
		f.ledger.PutFeed(feed)

		result, err := f.feeds.UpdateData(ctx, feed.ID, UpdateInput{
			Data:            domain.Payload(`{"secret":42}`),
			ProviderAddress: providerAddr,
			EncryptionKey:   "passphrase",
		})
		require.NoError(t, err)

		require.Len(t, f.notifier.events, 1)
		pushed := string(f.notifier.events[0].Payload)
		assert.NotContains(t, pushed, "secret")
		assert.JSONEq(t, `{"walrusBlobId":"`+result.BlobID+`","encrypted":true}`, pushed)

		decrypted, err := f.blobs.Retrieve(ctx, result.BlobID, "passphrase")
		require.NoError(t, err)
		assert.JSONEq(t, `{"secret":42}`, string(decrypted))
	})

	t.Run("账本失败返回 ledger_pending 并由补偿任务修复", func(t *testing.T) {
		f := newFixture(t)
		feed := f.putFeed(t, `{"v":1}`)
		f.ledger.FailOn("update_feed_data", errors.New("rpc timeout"))

		result, err := f.feeds.UpdateData(ctx, feed.ID, UpdateInput{
			Data:            domain.Payload(`{"v":2}`),
			ProviderAddress: providerAddr,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusLedgerPending, result.Status)
		assert.NotEmpty(t, result.Warning)

		unchanged, err := f.feeds.Get(ctx, feed.ID)
		require.NoError(t, err)
		assert.Equal(t, feed.BlobID, unchanged.BlobID)

		// 账本仍不可用时保留待同步记录
		synced, err := f.feeds.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, synced)

		f.ledger.FailOn("update_feed_data", nil)
		synced, err = f.feeds.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, synced)

		reconciled, err := f.feeds.Get(ctx, feed.ID)
		require.NoError(t, err)
		assert.Equal(t, result.BlobID, reconciled.BlobID)

		pending, err := f.store.ListUnsynced(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("账本和历史索引都失败时返回独立状态", func(t *testing.T) {
		f := newFixture(t)
		metrics := monitoring.NewMetrics()
		feeds := NewFeedService(FeedServiceConfig{
			Ledger:  f.ledger,
			Blobs:   f.blobs,
			History: failingHistory{f.store},
			Access:  f.access,
			Metrics: metrics,
		})
		feed := f.putFeed(t, `{"v":1}`)
		f.ledger.FailOn("update_feed_data", errors.New("rpc timeout"))

		result, err := feeds.UpdateData(ctx, feed.ID, UpdateInput{
			Data:            domain.Payload(`{"v":2}`),
			ProviderAddress: providerAddr,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusLedgerUnsynced, result.Status)
		assert.Contains(t, result.Warning, "resubmit")
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ErrorsTotal.WithLabelValues("ledger_unsynced", "feed")))

		pending, err := f.store.ListUnsynced(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("仅历史索引失败不影响成功状态", func(t *testing.T) {
		f := newFixture(t)
		feeds := NewFeedService(FeedServiceConfig{
			Ledger:  f.ledger,
			Blobs:   f.blobs,
			History: failingHistory{f.store},
			Access:  f.access,
		})
		feed := f.putFeed(t, `{"v":1}`)

		result, err := feeds.UpdateData(ctx, feed.ID, UpdateInput{
			Data:            domain.Payload(`{"v":2}`),
			ProviderAddress: providerAddr,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusOK, result.Status)
		assert.Empty(t, result.Warning)
	})
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("每个 feed 只提交最新记录", func(t *testing.T) {
		f := newFixture(t)
		feed := f.putFeed(t, `{}`)
		base := time.Now().Add(-time.Minute)
		for i, blobID := range []string{"bafkold", "bafknew"} {
			require.NoError(t, f.store.AppendHistory(ctx, &domain.FeedDataRecord{
				FeedID:    feed.ID,
				BlobID:    blobID,
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}

		synced, err := f.feeds.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, synced)

		updated, err := f.feeds.Get(ctx, feed.ID)
		require.NoError(t, err)
		assert.Equal(t, "bafknew", updated.BlobID)
	})

	t.Run("已被更新的记录覆盖", func(t *testing.T) {
		f := newFixture(t)
		feed := f.putFeed(t, `{}`)
		base := time.Now().Add(-time.Minute)
		require.NoError(t, f.store.AppendHistory(ctx, &domain.FeedDataRecord{FeedID: feed.ID, BlobID: "bafkstale", CreatedAt: base}))
		require.NoError(t, f.store.AppendHistory(ctx, &domain.FeedDataRecord{FeedID: feed.ID, BlobID: feed.BlobID, LedgerSynced: true, CreatedAt: base.Add(time.Second)}))

		synced, err := f.feeds.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, synced)

		current, err := f.feeds.Get(ctx, feed.ID)
		require.NoError(t, err)
		assert.Equal(t, feed.BlobID, current.BlobID)

		pending, err := f.store.ListUnsynced(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("feed 已不存在时放弃", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.AppendHistory(ctx, &domain.FeedDataRecord{FeedID: "0xgone", BlobID: "bafk"}))

		synced, err := f.feeds.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, synced)

		pending, err := f.store.ListUnsynced(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestIngest(t *testing.T) {
	ctx := context.Background()

	t.Run("无提供者凭证只存储 blob", func(t *testing.T) {
		f := newFixture(t)
		feed := f.putFeed(t, `{}`)

		result, err := f.feeds.Ingest(ctx, feed.ID, IngestInput{DeviceID: "sensor-1", Data: domain.Payload(`{"temp":22}`)})
		require.NoError(t, err)
		assert.Equal(t, StatusStored, result.Status)

		stored, err := f.blobs.Retrieve(ctx, result.BlobID, "")
		require.NoError(t, err)
		var fields map[string]interface{}
		require.NoError(t, json.Unmarshal(stored, &fields))
		assert.Equal(t, "sensor-1", fields["deviceId"])
		assert.Equal(t, "iot_device", fields["source"])
		assert.Equal(t, float64(22), fields["temp"])
		assert.NotZero(t, fields["receivedAt"])

		current, err := f.feeds.Get(ctx, feed.ID)
		require.NoError(t, err)
		assert.Equal(t, feed.BlobID, current.BlobID)
	})

	t.Run("提供者上报更新链上指针", func(t *testing.T) {
		f := newFixture(t)
		feed := f.putFeed(t, `{}`)

		result, err := f.feeds.Ingest(ctx, feed.ID, IngestInput{
			Data:            domain.Payload(`18.5`),
			ProviderAddress: providerAddr,
		})
		require.NoError(t, err)
		assert.Equal(t, StatusOK, result.Status)

		stored, err := f.blobs.Retrieve(ctx, result.BlobID, "")
		require.NoError(t, err)
		var fields map[string]interface{}
		require.NoError(t, json.Unmarshal(stored, &fields))
		assert.Equal(t, 18.5, fields["value"])
		assert.Equal(t, "unknown", fields["deviceId"])

		history, err := f.store.ListHistory(ctx, domain.HistoryQuery{FeedID: feed.ID})
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, "unknown", history[0].DeviceID)
	})

	t.Run("缺少数据", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.feeds.Ingest(ctx, "0x1", IngestInput{})
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	})
}

func TestRateAndUpload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	feed := f.putFeed(t, `{}`)

	t.Run("评分", func(t *testing.T) {
		tx, err := f.feeds.Rate(ctx, domain.Rating{FeedID: feed.ID, Stars: 5, Comment: "reliable"})
		require.NoError(t, err)
		assert.NotEmpty(t, tx.Digest)
		assert.Len(t, f.ledger.Ratings(), 1)

		_, err = f.feeds.Rate(ctx, domain.Rating{FeedID: feed.ID, Stars: 6})
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))

		_, err = f.feeds.Rate(ctx, domain.Rating{FeedID: "0xmissing", Stars: 3})
		assert.ErrorIs(t, err, domain.ErrFeedNotFound)
	})

	t.Run("原始上传", func(t *testing.T) {
		result, err := f.feeds.Upload(ctx, domain.Payload(`{"a":1}`), false, "ignored")
		require.NoError(t, err)
		assert.Empty(t, result.EncryptionKey)

		_, err = f.feeds.Upload(ctx, domain.Payload(`null`), false, "")
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	})
}

func TestListFeeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	weather := f.putFeed(t, `{}`)
	traffic := f.putFeed(t, `{}`)
	traffic.Category = "traffic"
	f.ledger.PutFeed(traffic)

	feeds, err := f.feeds.List(ctx, domain.FeedFilter{})
	require.NoError(t, err)
	assert.Len(t, feeds, 2)

	feeds, err = f.feeds.List(ctx, domain.FeedFilter{Category: "weather"})
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, weather.ID, feeds[0].ID)
}

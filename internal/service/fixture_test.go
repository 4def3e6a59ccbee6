package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	blobmemory "iotmarket/backend/internal/blobstore/memory"
	"iotmarket/backend/internal/cache"
	"iotmarket/backend/internal/domain"
	ledgermemory "iotmarket/backend/internal/ledger/memory"
	"iotmarket/backend/internal/storage/memory"
)

const (
	providerAddr = "0xa11ce"
	consumerAddr = "0xb0b"
	strangerAddr = "0xe7e"
)

// fixture 基于内存账本、内存 blob 存储和内存数据库组装全部服务
type fixture struct {
	ledger *ledgermemory.Ledger
	store  *memory.Store
	blobs  *blobmemory.Store
	cache  *cache.MemoryBackend

	credentials   *CredentialService
	access        *AccessService
	retrieval     *RetrievalService
	feeds         *FeedService
	subscriptions *SubscriptionService
	subscriber    *SubscriberService
	notifier      *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		ledger:   ledgermemory.New(),
		store:    memory.NewStore(),
		blobs:    blobmemory.New(),
		cache:    cache.NewMemoryBackend(128, time.Minute),
		notifier: &recordingNotifier{},
	}
	f.ledger.SetEpoch(10)

	f.credentials = NewCredentialService(f.store, f.ledger, nil, nil)
	f.access = NewAccessService(f.credentials, f.ledger, nil, nil)
	f.retrieval = NewRetrievalService(f.ledger, f.access, cache.NewBlobCache(f.cache, nil, nil), f.blobs, f.store, nil)
	f.feeds = NewFeedService(FeedServiceConfig{
		Ledger:   f.ledger,
		Blobs:    f.blobs,
		History:  f.store,
		Access:   f.access,
		Notifier: f.notifier,
	})
	f.subscriptions = NewSubscriptionService(f.ledger, f.retrieval, f.access, "", nil)
	f.subscriber = NewSubscriberService(f.ledger, f.credentials, f.store, nil)
	return f
}

// putFeed 上传数据并直接写入一个激活的 feed
func (f *fixture) putFeed(t *testing.T, data string) domain.Feed {
	t.Helper()
	blobID, err := f.blobs.Upload(context.Background(), domain.Payload(data), "")
	require.NoError(t, err)

	now := uint64(time.Now().UnixMilli())
	feed := domain.Feed{
		ID:                       ledgermemory.NewObjectID(),
		Provider:                 providerAddr,
		Name:                     "Downtown Weather",
		Category:                 string(domain.CategoryWeather),
		Location:                 "San Francisco, CA",
		PricePerQuery:            10,
		MonthlySubscriptionPrice: 1000,
		BlobID:                   blobID,
		CreatedAt:                now,
		LastUpdated:              now,
		IsActive:                 true,
		UpdateFrequency:          60,
	}
	f.ledger.PutFeed(feed)
	return feed
}

// putSubscription 写入一个从当前 epoch 开始、持续 duration 个 epoch 的订阅
func (f *fixture) putSubscription(t *testing.T, feedID, consumer string, duration uint64) domain.Subscription {
	t.Helper()
	epoch, err := f.ledger.CurrentEpoch(context.Background())
	require.NoError(t, err)

	sub := domain.Subscription{
		ID:          ledgermemory.NewObjectID(),
		Consumer:    consumer,
		FeedID:      feedID,
		Tier:        domain.TierMonthly,
		StartEpoch:  epoch,
		ExpiryEpoch: epoch + duration,
		IsActive:    true,
	}
	f.ledger.PutSubscription(sub)
	return sub
}

// issueSubscriberKey 为订阅签发 SUBSCRIBER 密钥
func (f *fixture) issueSubscriberKey(t *testing.T, sub domain.Subscription) *domain.IssuedCredential {
	t.Helper()
	issued, err := f.credentials.Issue(context.Background(), IssueInput{
		Type:           domain.CredentialTypeSubscriber,
		SubscriptionID: sub.ID,
		Address:        sub.Consumer,
		Name:           "dashboard",
	})
	require.NoError(t, err)
	return issued
}

type notification struct {
	FeedID  string
	Payload domain.Payload
}

type recordingNotifier struct {
	events []notification
}

func (n *recordingNotifier) Notify(feedID string, payload domain.Payload) {
	n.events = append(n.events, notification{FeedID: feedID, Payload: payload})
}

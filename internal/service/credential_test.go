package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iotmarket/backend/internal/domain"
)

func TestCredentialIssue(t *testing.T) {
	ctx := context.Background()

	t.Run("订阅者密钥只返回一次原始值", func(t *testing.T) {
		f := newFixture(t)
		feed := f.putFeed(t, `{"temperature":20}`)
		sub := f.putSubscription(t, feed.ID, consumerAddr, 30)

		issued := f.issueSubscriberKey(t, sub)
		assert.True(t, strings.HasPrefix(issued.Secret, "sk_"))
		assert.Len(t, issued.KeyPrefix, displayPrefixLength)
		assert.True(t, strings.HasPrefix(issued.Secret, issued.KeyPrefix))

		stored, err := f.store.GetCredential(ctx, issued.ID)
		require.NoError(t, err)
		assert.Equal(t, HashSecret(issued.Secret), stored.KeyHash)
		assert.NotContains(t, stored.KeyHash, issued.Secret)
		assert.Equal(t, sub.ID, stored.LinkedSubscriptionID())
	})

	t.Run("提供者密钥要求 feed 归属", func(t *testing.T) {
		f := newFixture(t)
		feed := f.putFeed(t, `{}`)

		issued, err := f.credentials.Issue(ctx, IssueInput{
			Type:    domain.CredentialTypeProvider,
			FeedID:  feed.ID,
			Address: "0xA11CE",
		})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(issued.Secret, "pk_"))

		_, err = f.credentials.Issue(ctx, IssueInput{
			Type:    domain.CredentialTypeProvider,
			FeedID:  feed.ID,
			Address: strangerAddr,
		})
		assert.ErrorIs(t, err, domain.ErrNotOwner)
	})

	t.Run("订阅不存在", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.credentials.Issue(ctx, IssueInput{
			Type:           domain.CredentialTypeSubscriber,
			SubscriptionID: "0xdead",
			Address:        consumerAddr,
		})
		assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
	})

	t.Run("参数校验", func(t *testing.T) {
		f := newFixture(t)
		feed := f.putFeed(t, `{}`)
		sub := f.putSubscription(t, feed.ID, consumerAddr, 30)

		past := time.Now().Add(-time.Minute)
		_, err := f.credentials.Issue(ctx, IssueInput{
			Type: domain.CredentialTypeSubscriber, SubscriptionID: sub.ID, Address: consumerAddr, ExpiresAt: &past,
		})
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))

		zero := 0
		_, err = f.credentials.Issue(ctx, IssueInput{
			Type: domain.CredentialTypeSubscriber, SubscriptionID: sub.ID, Address: consumerAddr, RateLimit: &zero,
		})
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))

		_, err = f.credentials.Issue(ctx, IssueInput{Type: "ADMIN", Address: consumerAddr})
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	})
}

func TestCredentialValidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	feed := f.putFeed(t, `{}`)
	sub := f.putSubscription(t, feed.ID, consumerAddr, 30)

	t.Run("有效密钥刷新使用计数", func(t *testing.T) {
		issued := f.issueSubscriberKey(t, sub)

		result, err := f.credentials.Validate(ctx, issued.Secret)
		require.NoError(t, err)
		assert.True(t, result.Valid)

		stored, err := f.store.GetCredential(ctx, issued.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.UsageCount)
		assert.NotNil(t, stored.LastUsedAt)
	})

	t.Run("未知密钥", func(t *testing.T) {
		for _, secret := range []string{"", "garbage", "sk_unknownunknownunknown"} {
			result, err := f.credentials.Validate(ctx, secret)
			require.NoError(t, err)
			assert.False(t, result.Valid)
			assert.Equal(t, ReasonInvalid, result.Reason)
		}
	})

	t.Run("吊销优先于过期", func(t *testing.T) {
		expires := time.Now().Add(time.Hour)
		issued, err := f.credentials.Issue(ctx, IssueInput{
			Type: domain.CredentialTypeSubscriber, SubscriptionID: sub.ID, Address: consumerAddr, ExpiresAt: &expires,
		})
		require.NoError(t, err)
		_, err = f.credentials.Revoke(ctx, issued.ID, "")
		require.NoError(t, err)

		svc := NewCredentialService(f.store, f.ledger, nil, nil)
		svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

		result, err := svc.Validate(ctx, issued.Secret)
		require.NoError(t, err)
		assert.Equal(t, ReasonRevoked, result.Reason)
	})

	t.Run("过期", func(t *testing.T) {
		expires := time.Now().Add(time.Hour)
		issued, err := f.credentials.Issue(ctx, IssueInput{
			Type: domain.CredentialTypeSubscriber, SubscriptionID: sub.ID, Address: consumerAddr, ExpiresAt: &expires,
		})
		require.NoError(t, err)

		svc := NewCredentialService(f.store, f.ledger, nil, nil)
		svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

		result, err := svc.Validate(ctx, issued.Secret)
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, ReasonExpired, result.Reason)
	})

	t.Run("前缀不一致视为格式错误", func(t *testing.T) {
		secret := "sk_mismatchedprefixsecret"
		require.NoError(t, f.store.CreateCredential(ctx, &domain.Credential{
			KeyHash:   HashSecret(secret),
			KeyPrefix: "sk_otherpre",
			Type:      domain.CredentialTypeSubscriber,
			CreatedAt: time.Now(),
		}))

		result, err := f.credentials.Validate(ctx, secret)
		require.NoError(t, err)
		assert.Equal(t, ReasonMalformed, result.Reason)
	})

	t.Run("标签与类型不一致视为格式错误", func(t *testing.T) {
		secret := "pk_providertagonsubscriber"
		require.NoError(t, f.store.CreateCredential(ctx, &domain.Credential{
			KeyHash:   HashSecret(secret),
			KeyPrefix: displayPrefix(secret),
			Type:      domain.CredentialTypeSubscriber,
			CreatedAt: time.Now(),
		}))

		result, err := f.credentials.Validate(ctx, secret)
		require.NoError(t, err)
		assert.Equal(t, ReasonMalformed, result.Reason)
	})
}

func TestCredentialRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	feed := f.putFeed(t, `{}`)
	sub := f.putSubscription(t, feed.ID, consumerAddr, 30)
	issued := f.issueSubscriberKey(t, sub)

	t.Run("非所有者不能吊销", func(t *testing.T) {
		_, err := f.credentials.Revoke(ctx, issued.ID, strangerAddr)
		assert.ErrorIs(t, err, domain.ErrNotOwner)
	})

	t.Run("重复吊销保留首次时间", func(t *testing.T) {
		first, err := f.credentials.Revoke(ctx, issued.ID, consumerAddr)
		require.NoError(t, err)
		require.NotNil(t, first.RevokedAt)

		second, err := f.credentials.Revoke(ctx, issued.ID, consumerAddr)
		require.NoError(t, err)
		assert.Equal(t, *first.RevokedAt, *second.RevokedAt)

		keys, err := f.credentials.ListBySubscriber(ctx, consumerAddr)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("不存在的密钥", func(t *testing.T) {
		_, err := f.credentials.Revoke(ctx, "missing", "")
		assert.True(t, errors.Is(err, domain.ErrCredentialNotFound))
	})
}

func TestCredentialDetails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	feed := f.putFeed(t, `{}`)
	sub := f.putSubscription(t, feed.ID, consumerAddr, 30)
	issued := f.issueSubscriberKey(t, sub)

	for i := 0; i < RecentUsageLimit+5; i++ {
		require.NoError(t, f.store.AppendUsage(ctx, &domain.UsageRecord{
			APIKeyID:  issued.ID,
			Endpoint:  "/api/feeds/" + feed.ID + "/data",
			Method:    "GET",
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	details, err := f.credentials.Details(ctx, issued.ID)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, details.ID)
	assert.Len(t, details.RecentUsage, RecentUsageLimit)
}

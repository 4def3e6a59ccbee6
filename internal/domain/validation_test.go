package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		valid   bool
	}{
		{"Valid short address", "0x1", true},
		{"Valid full address", "0x" + strings.Repeat("ab", 32), true},
		{"Valid mixed case", "0xAbCd", true},
		{"Invalid - empty", "", false},
		{"Invalid - no prefix", "abcd", false},
		{"Invalid - non hex", "0xzz", false},
		{"Invalid - too long", "0x" + strings.Repeat("a", 65), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.address)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Equal(t, KindValidation, KindOf(err))
			}
		})
	}
}

func TestSameAddress(t *testing.T) {
	assert.True(t, SameAddress("0xABC", "0xabc"))
	assert.False(t, SameAddress("0xabc", "0xabd"))
	assert.False(t, SameAddress("", ""))
}

func TestFeedMetadataValidate(t *testing.T) {
	meta := FeedMetadata{Name: "Station", Category: "weather"}
	assert.NoError(t, meta.Validate())

	meta.Name = "  "
	assert.Error(t, meta.Validate())

	meta = FeedMetadata{Name: "Station"}
	assert.Error(t, meta.Validate())
}

func TestPayloadSample(t *testing.T) {
	t.Run("序列只取前三个元素", func(t *testing.T) {
		p := Payload(`[1,2,3,4,5]`)
		assert.Equal(t, PayloadSequence, p.Kind())

		var items []int
		require.NoError(t, json.Unmarshal(p.Sample(), &items))
		assert.Equal(t, []int{1, 2, 3}, items)
	})

	t.Run("短序列原样返回", func(t *testing.T) {
		var items []string
		require.NoError(t, json.Unmarshal(Payload(`["a"]`).Sample(), &items))
		assert.Equal(t, []string{"a"}, items)
	})

	t.Run("对象返回占位", func(t *testing.T) {
		p := Payload(`{"temperature":21.5,"humidity":40}`)
		sample := p.Sample()
		assert.NotContains(t, string(sample), "temperature")
		assert.JSONEq(t, `{"sample":"Preview data available after subscription"}`, string(sample))
	})

	t.Run("标量返回占位字符串", func(t *testing.T) {
		assert.JSONEq(t, `"Preview: Subscribe to access full data"`, string(Payload(`42`).Sample()))
	})
}

func TestFeedFilterMatch(t *testing.T) {
	feed := &Feed{Category: "weather", IsPremium: true, MonthlySubscriptionPrice: 500, Location: "San Francisco, CA"}
	yes, no := true, false
	low, high := uint64(100), uint64(400)

	assert.True(t, FeedFilter{}.Match(feed))
	assert.True(t, FeedFilter{Category: "weather", Location: "francisco"}.Match(feed))
	assert.True(t, FeedFilter{IsPremium: &yes, MinPrice: &low}.Match(feed))
	assert.False(t, FeedFilter{IsPremium: &no}.Match(feed))
	assert.False(t, FeedFilter{MaxPrice: &high}.Match(feed))
	assert.False(t, FeedFilter{Category: "traffic"}.Match(feed))
}

func TestSubscriptionValidAt(t *testing.T) {
	sub := &Subscription{IsActive: true, ExpiryEpoch: 10}
	assert.True(t, sub.ValidAt(9))
	assert.True(t, sub.ValidAt(10), "到期 epoch 当天仍然有效")
	assert.False(t, sub.ValidAt(11))

	sub.IsActive = false
	assert.False(t, sub.ValidAt(5))
}

func TestSubscriptionApproxExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := &Subscription{ExpiryEpoch: 12}
	assert.Equal(t, now.Add(48*time.Hour), sub.ApproxExpiry(10, now))
	assert.Equal(t, now, sub.ApproxExpiry(20, now))
}

func TestErrorKinds(t *testing.T) {
	wrapped := fmt.Errorf("lookup: %w", ErrFeedNotFound)
	assert.True(t, errors.Is(wrapped, ErrFeedNotFound))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))

	up := Upstream("ledger unavailable", errors.New("dial tcp"))
	assert.Contains(t, up.Error(), "dial tcp")
	assert.Equal(t, "upstream", KindOf(up).String())
}

func TestCredentialState(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	addr := "0xabc"
	c := &Credential{Type: CredentialTypeSubscriber, ConsumerAddress: &addr, ExpiresAt: &past}

	assert.True(t, c.IsExpired(now))
	assert.False(t, c.IsRevoked())
	assert.Equal(t, addr, c.OwnerAddress())
	assert.Equal(t, "sk", c.Type.KeyTag())
	assert.Equal(t, "pk", CredentialTypeProvider.KeyTag())
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "Feed not found", PublicMessage(fmt.Errorf("wrapped: %w", ErrFeedNotFound)))
	assert.Equal(t, "Blob store unavailable", PublicMessage(Upstream("Blob store unavailable", errors.New("dial tcp 10.0.0.1:443"))))
	assert.Equal(t, "Internal server error", PublicMessage(errors.New("pq: relation does not exist")))
	assert.Equal(t, "Internal server error", PublicMessage(Internal("Failed to encode", errors.New("boom"))))
}

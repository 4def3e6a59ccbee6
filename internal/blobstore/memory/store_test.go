package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iotmarket/backend/internal/domain"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	payload := domain.Payload(`{"readings":[1,2,3]}`)
	id, err := s.Upload(ctx, payload, "")
	require.NoError(t, err)

	parsed, err := cid.Decode(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(cid.Raw), parsed.Type())

	again, err := s.Upload(ctx, payload, "")
	require.NoError(t, err)
	assert.Equal(t, id, again, "相同内容得到相同 ID")
	assert.Equal(t, 1, s.Len())

	out, err := s.Retrieve(ctx, id, "")
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(out))
}

func TestStoreEncrypted(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.Upload(ctx, domain.Payload(`[42]`), "feed-secret")
	require.NoError(t, err)

	out, err := s.Retrieve(ctx, id, "feed-secret")
	require.NoError(t, err)
	assert.Equal(t, "[42]", string(out))
}

func TestStoreFailures(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Retrieve(ctx, "missing", "")
	assert.ErrorIs(t, err, domain.ErrBlobNotFound)

	boom := errors.New("unreachable")
	s.SetFailure(boom)
	_, err = s.Upload(ctx, domain.Payload(`{}`), "")
	assert.ErrorIs(t, err, boom)

	s.SetFailure(nil)
	_, err = s.Upload(ctx, domain.Payload(`{}`), "")
	assert.NoError(t, err)
}

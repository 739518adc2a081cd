package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(rdb, "test-secret")
}

func TestCreateAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	raw, key, err := s.Create(ctx, "ak_", "alice", TierStandard, []Permission{PermRead, PermWrite}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.Equal(t, "alice", key.UserID)

	got, err := s.Lookup(ctx, raw)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, key.KeyID, got.KeyID)
}

func TestRawKeyNeverPersisted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	raw, _, err := s.Create(ctx, "ak_", "bob", TierBasic, []Permission{PermRead}, nil)
	require.NoError(t, err)

	keys, err := s.rdb.Keys(ctx, "*").Result()
	require.NoError(t, err)
	for _, k := range keys {
		v, _ := s.rdb.Get(ctx, k).Result()
		require.NotContains(t, v, raw)
	}
}

func TestRevokedKeyFailsAuthorize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	raw, key, err := s.Create(ctx, "ak_", "carol", TierPremium, []Permission{PermRead}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Revoke(ctx, "carol", key.KeyID))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/decompile/dec_1", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	_, err = s.Authorize(req)
	require.Error(t, err)
}

func TestExpiredKeyFailsAuthorize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	raw, _, err := s.Create(ctx, "ak_", "dave", TierBasic, []Permission{PermRead}, &past)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/decompile/dec_1", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	_, err = s.Authorize(req)
	require.Error(t, err)
}

func TestMissingKeyOnPublicPathIsAnonymous(t *testing.T) {
	s := newTestStore(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	p, err := s.Authorize(req)
	require.NoError(t, err)
	require.True(t, p.Anonymous)
}

func TestTierOrdering(t *testing.T) {
	require.True(t, TierEnterprise.AtLeast(TierBasic))
	require.False(t, TierBasic.AtLeast(TierStandard))
	require.True(t, TierPremium.AtLeast(TierPremium))
}

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisStore starts miniredis and returns a connected store.
func setupRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)

	s := NewRedis(rdb)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisGetPutDelete(t *testing.T) {
	ctx := context.Background()
	s, mr := setupRedisStore(t)

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "lockout:a@x.com", []byte(`{"failed_attempts":1}`), time.Hour))
	got, ok, err := s.Get(ctx, "lockout:a@x.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"failed_attempts":1}`, string(got))
	assert.Equal(t, time.Hour, mr.TTL("lockout:a@x.com"))

	require.NoError(t, s.Delete(ctx, "lockout:a@x.com"))
	assert.False(t, mr.Exists("lockout:a@x.com"))
}

func TestRedisMinimumTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := setupRedisStore(t)

	require.NoError(t, s.Put(ctx, "ratelimit:api:/x:1.2.3.4", []byte("1"), 5*time.Second))
	assert.Equal(t, MinNetworkTTL, mr.TTL("ratelimit:api:/x:1.2.3.4"))

	mr.FastForward(MinNetworkTTL + time.Second)
	_, ok, err := s.Get(ctx, "ratelimit:api:/x:1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisList(t *testing.T) {
	ctx := context.Background()
	s, _ := setupRedisStore(t)

	for _, key := range []string{"ratelimit:login:/auth/login:b", "ratelimit:login:/auth/login:a", "lockout:a@x.com"} {
		require.NoError(t, s.Put(ctx, key, []byte("1"), time.Minute))
	}

	keys, err := s.List(ctx, "ratelimit:")
	require.NoError(t, err)
	assert.Equal(t, []string{"ratelimit:login:/auth/login:a", "ratelimit:login:/auth/login:b"}, keys)

	assert.Equal(t, `ratelimit\*\?`, escapeGlob("ratelimit*?"))
}

func TestRedisUnavailable(t *testing.T) {
	ctx := context.Background()
	s, mr := setupRedisStore(t)
	mr.Close()

	_, _, err := s.Get(ctx, "k")
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.True(t, errors.Is(s.Put(ctx, "k", []byte("v"), time.Minute), ErrUnavailable))
	assert.True(t, errors.Is(s.Delete(ctx, "k"), ErrUnavailable))
	_, err = s.List(ctx, "k")
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestNewRedisClientInvalidURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "invalid://url")
	assert.Error(t, err)
}

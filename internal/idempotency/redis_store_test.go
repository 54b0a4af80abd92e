package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ""), mr
}

func TestRedisStore_ClaimCompleteReplay(t *testing.T) {
	s, mr := setupRedisStore(t)
	ctx := context.Background()

	rec, err := s.Claim(ctx, "t1:pay:k", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.True(t, mr.Exists("idem:t1:pay:k"))

	_, err = s.Claim(ctx, "t1:pay:k", time.Minute)
	assert.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, s.Complete(ctx, "t1:pay:k", Record{Status: 201, ContentType: "application/json", Body: []byte(`{"id":"pay_1"}`)}, time.Hour))
	rec, err = s.Claim(ctx, "t1:pay:k", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 201, rec.Status)
	assert.Equal(t, "application/json", rec.ContentType)
	assert.JSONEq(t, `{"id":"pay_1"}`, string(rec.Body))
	assert.Equal(t, time.Hour, mr.TTL("idem:t1:pay:k"))
}

func TestRedisStore_LockExpires(t *testing.T) {
	s, mr := setupRedisStore(t)
	ctx := context.Background()

	_, err := s.Claim(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	mr.FastForward(31 * time.Second)

	rec, err := s.Claim(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRedisStore_Release(t *testing.T) {
	s, mr := setupRedisStore(t)
	ctx := context.Background()

	_, err := s.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "k"))
	assert.False(t, mr.Exists("idem:k"))
	assert.NoError(t, s.Ping(ctx))
}

func TestRedisStore_CorruptRecord(t *testing.T) {
	s, mr := setupRedisStore(t)
	require.NoError(t, mr.Set("idem:k", "not json"))

	_, err := s.Claim(context.Background(), "k", time.Minute)
	assert.Error(t, err)
	assert.False(t, mr.Exists("idem:k"))
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "://nope")
	assert.Error(t, err)
}

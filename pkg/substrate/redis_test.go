package substrate_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/illmade-knight/go-socialgraph/pkg/substrate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisSubstrate(t *testing.T) (*substrate.RedisSubstrate, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := substrate.NewRedisSubstrate(context.Background(), &substrate.RedisConfig{Addr: mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisSubstrate_KeyValue(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisSubstrate(t)

	t.Run("Put, Get and MGet", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "profile:0xa", []byte(`{"name":"a"}`), time.Minute))

		v, err := s.Get(ctx, "profile:0xa")
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"a"}`, string(v))

		vals, err := s.MGet(ctx, "profile:0xa", "profile:missing")
		require.NoError(t, err)
		require.Len(t, vals, 2)
		assert.NotNil(t, vals[0])
		assert.Nil(t, vals[1])
	})

	t.Run("Get miss returns ErrNotFound", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		require.ErrorIs(t, err, substrate.ErrNotFound)
	})

	t.Run("TTL causes key expiration", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "ttl-key", []byte("x"), time.Second))
		mr.FastForward(2 * time.Second)
		_, err := s.Get(ctx, "ttl-key")
		require.ErrorIs(t, err, substrate.ErrNotFound)
	})
}

func TestRedisSubstrate_Sets(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisSubstrate(t)

	require.NoError(t, s.SAdd(ctx, "peers", "0xa", "0xb"))
	members, err := s.SMembers(ctx, "peers")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0xa", "0xb"}, members)

	require.NoError(t, s.SRem(ctx, "peers", "0xa"))
	members, err = s.SMembers(ctx, "peers")
	require.NoError(t, err)
	assert.Equal(t, []string{"0xb"}, members)

	require.NoError(t, s.SRem(ctx, "peers"), "empty member list is a no-op")
}

func TestRedisSubstrate_PubSub(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisSubstrate(t)

	got := &collector{}
	sub, err := s.Subscribe(ctx, "updates", got.handle)
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, "updates", []byte("hello")))
	assert.Eventually(t, func() bool { return len(got.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"hello"}, got.received())

	require.NoError(t, sub.Close())
}

func TestNewRedisSubstrate_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := substrate.NewRedisSubstrate(ctx, &substrate.RedisConfig{Addr: "127.0.0.1:1"}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

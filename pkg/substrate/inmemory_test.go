package substrate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-socialgraph/pkg/substrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records messages delivered to a subscription handler.
type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(_ context.Context, msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(msg))
}

func (c *collector) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestInMemorySubstrate_KeyValue(t *testing.T) {
	ctx := context.Background()
	s := substrate.NewInMemorySubstrate()
	t.Cleanup(func() { _ = s.Close() })

	t.Run("Get miss returns ErrNotFound", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		require.ErrorIs(t, err, substrate.ErrNotFound)
	})

	t.Run("Put, Get and MGet", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "a", []byte("1"), 0))
		require.NoError(t, s.Put(ctx, "b", []byte("2"), time.Minute))

		v, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)

		vals, err := s.MGet(ctx, "a", "missing", "b")
		require.NoError(t, err)
		require.Len(t, vals, 3)
		assert.Equal(t, []byte("1"), vals[0])
		assert.Nil(t, vals[1])
		assert.Equal(t, []byte("2"), vals[2])
	})

	t.Run("TTL causes key expiration", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, "short", []byte("x"), 20*time.Millisecond))
		time.Sleep(40 * time.Millisecond)
		_, err := s.Get(ctx, "short")
		require.ErrorIs(t, err, substrate.ErrNotFound)
	})
}

func TestInMemorySubstrate_Sets(t *testing.T) {
	ctx := context.Background()
	s := substrate.NewInMemorySubstrate()

	require.NoError(t, s.SAdd(ctx, "peers", "0xa", "0xb"))
	require.NoError(t, s.SAdd(ctx, "peers", "0xa"))
	members, err := s.SMembers(ctx, "peers")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"0xa", "0xb"}, members)

	require.NoError(t, s.SRem(ctx, "peers", "0xa", "0xc"))
	members, err = s.SMembers(ctx, "peers")
	require.NoError(t, err)
	assert.Equal(t, []string{"0xb"}, members)
}

func TestInMemorySubstrate_PubSub(t *testing.T) {
	ctx := context.Background()
	s := substrate.NewInMemorySubstrate()
	t.Cleanup(func() { _ = s.Close() })

	first, second := &collector{}, &collector{}
	sub1, err := s.Subscribe(ctx, "updates", first.handle)
	require.NoError(t, err)
	sub2, err := s.Subscribe(ctx, "updates", second.handle)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub2.Close() })

	require.NoError(t, s.Publish(ctx, "updates", []byte("m1")))
	require.NoError(t, s.Publish(ctx, "updates", []byte("m2")))
	require.NoError(t, s.Publish(ctx, "other", []byte("ignored")))

	assert.Eventually(t, func() bool { return len(first.received()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(second.received()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2"}, first.received(), "messages must arrive in publish order")

	// After Close, the first subscription receives nothing more.
	require.NoError(t, sub1.Close())
	require.NoError(t, sub1.Close(), "Close must be idempotent")
	require.NoError(t, s.Publish(ctx, "updates", []byte("m3")))
	assert.Eventually(t, func() bool { return len(second.received()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Len(t, first.received(), 2)
}

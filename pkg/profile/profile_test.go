package profile_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-socialgraph/pkg/cache"
	"github.com/illmade-knight/go-socialgraph/pkg/metrics"
	"github.com/illmade-knight/go-socialgraph/pkg/profile"
	"github.com/illmade-knight/go-socialgraph/pkg/substrate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStore is a profile source of truth recording whether each call was
// traced.
type mockStore struct {
	mu       sync.Mutex
	profiles map[string]profile.Profile
	traced   []bool
}

func (m *mockStore) record(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traced = append(m.traced, metrics.TracingEnabled(ctx))
}

func (m *mockStore) calls() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.traced...)
}

func (m *mockStore) Fetch(ctx context.Context, key string) (profile.Profile, error) {
	m.record(ctx)
	p, ok := m.profiles[key]
	if !ok {
		return profile.Profile{}, cache.ErrNotFound
	}
	return p, nil
}

func (m *mockStore) FetchMany(ctx context.Context, keys []string) ([]profile.Profile, error) {
	m.record(ctx)
	var out []profile.Profile
	for _, k := range keys {
		if p, ok := m.profiles[k]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestService(t *testing.T) {
	ctx := context.Background()
	alice := profile.Profile{Address: "0xalice", Name: "alice", HasClaimedName: true}
	bob := profile.Profile{Address: "0xbob", Name: "bob"}

	setup := func(t *testing.T) (*profile.Service, *mockStore, *clock, *prometheus.Registry) {
		t.Helper()
		store := &mockStore{profiles: map[string]profile.Profile{"0xalice": alice, "0xbob": bob}}
		sub := substrate.NewInMemorySubstrate()
		t.Cleanup(func() { _ = sub.Close() })
		shared, err := cache.NewSharedCache[string, profile.Profile](&cache.SharedCacheConfig{Prefix: "profile:", TTL: time.Minute}, sub, zerolog.Nop())
		require.NoError(t, err)
		fetcher := cache.NewFallbackFetcher[string, profile.Profile](&cache.FallbackConfig{}, shared, store, profile.Key, zerolog.Nop())

		reg := prometheus.NewRegistry()
		m, err := metrics.New(reg, "test")
		require.NoError(t, err)

		clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		svc, err := profile.NewService(cache.SWRConfig{FreshDuration: time.Second, MaxEntries: 100}, fetcher, m, zerolog.Nop(),
			cache.WithClock[string, profile.Profile](clk.Now))
		require.NoError(t, err)
		t.Cleanup(func() { _ = svc.Close(context.Background()) })
		return svc, store, clk, reg
	}

	t.Run("get profile normalises the address and caches", func(t *testing.T) {
		// Arrange
		svc, store, _, reg := setup(t)

		// Act
		first, err := svc.GetProfile(ctx, "0xALICE")
		require.NoError(t, err)
		second, err := svc.GetProfile(ctx, "0xalice")
		require.NoError(t, err)

		// Assert
		assert.Equal(t, alice, first)
		assert.Equal(t, first, second)
		assert.Equal(t, []bool{true}, store.calls())
		assert.Equal(t, uint64(1), svc.Stats().Hits)
		count, err := testutil.GatherAndCount(reg, "test_upstream_fetch_duration_seconds")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("unknown profile is an error", func(t *testing.T) {
		svc, _, _, _ := setup(t)
		_, err := svc.GetProfile(ctx, "0xnobody")
		require.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("get profiles keeps input order and skips unknown addresses", func(t *testing.T) {
		svc, store, _, _ := setup(t)

		got := svc.GetProfiles(ctx, []string{"0xBOB", "0xnobody", "0xalice", "0xbob"})

		assert.Equal(t, []profile.Profile{bob, alice, bob}, got)
		assert.Len(t, store.calls(), 1, "one batch fetch for all missing addresses")
	})

	t.Run("background refresh runs with tracing suppressed", func(t *testing.T) {
		// Arrange: read straight from the store so every upstream call is seen.
		store := &mockStore{profiles: map[string]profile.Profile{"0xalice": alice}}
		clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		svc, err := profile.NewService(cache.SWRConfig{FreshDuration: time.Second, MaxEntries: 10}, store, nil, zerolog.Nop(),
			cache.WithClock[string, profile.Profile](clk.Now))
		require.NoError(t, err)
		t.Cleanup(func() { _ = svc.Close(context.Background()) })
		_, err = svc.GetProfile(ctx, alice.Address)
		require.NoError(t, err)
		clk.Advance(2 * time.Second)

		// Act
		got, err := svc.GetProfile(ctx, alice.Address)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, alice, got)
		require.Eventually(t, func() bool { return len(store.calls()) == 2 }, time.Second, time.Millisecond)
		assert.Equal(t, []bool{true, false}, store.calls())
		assert.Equal(t, uint64(1), svc.Stats().StaleHits)
	})
}

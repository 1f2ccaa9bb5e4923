// Package profile serves user profile lookups through a stale-while-
// revalidate cache in front of the shared cache and the profile store.
package profile

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/illmade-knight/go-socialgraph/pkg/cache"
	"github.com/illmade-knight/go-socialgraph/pkg/metrics"
	"github.com/rs/zerolog"
)

const cacheName = "profile"

// Profile is the public profile of an address.
type Profile struct {
	Address        string    `json:"address" firestore:"address"`
	Name           string    `json:"name" firestore:"name"`
	AvatarURL      string    `json:"avatarUrl" firestore:"avatarUrl"`
	HasClaimedName bool      `json:"hasClaimedName" firestore:"hasClaimedName"`
	UpdatedAt      time.Time `json:"updatedAt" firestore:"updatedAt"`
}

// Key returns the cache key of p.
func Key(p Profile) string {
	return normalize(p.Address)
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// instrumentedSource records upstream latency around a cache.Source. Work
// under a context with tracing suppressed is not recorded.
type instrumentedSource struct {
	inner   cache.Source[string, Profile]
	metrics *metrics.Metrics
}

func (s instrumentedSource) Fetch(ctx context.Context, key string) (Profile, error) {
	started := time.Now()
	p, err := s.inner.Fetch(ctx, key)
	s.metrics.ObserveUpstream(ctx, cacheName, started, err)
	return p, err
}

func (s instrumentedSource) FetchMany(ctx context.Context, keys []string) ([]Profile, error) {
	started := time.Now()
	ps, err := s.inner.FetchMany(ctx, keys)
	s.metrics.ObserveUpstream(ctx, cacheName, started, err)
	return ps, err
}

// Service resolves profiles by address.
type Service struct {
	cache  *cache.SWRCache[string, Profile]
	source instrumentedSource
	logger zerolog.Logger
}

// NewService creates a profile Service reading through source. m may be nil.
func NewService(cfg cache.SWRConfig, source cache.Source[string, Profile], m *metrics.Metrics, logger zerolog.Logger, opts ...cache.SWROption[string, Profile]) (*Service, error) {
	if source == nil {
		return nil, errors.New("profile source cannot be nil")
	}
	hooks := []cache.SWROption[string, Profile]{
		cache.WithHitHook[string, Profile](func(_ string, stale bool) { m.CacheHit(cacheName, stale) }),
		cache.WithMissHook[string, Profile](func(string) { m.CacheMiss(cacheName) }),
		cache.WithBackgroundErrorHook[string, Profile](func(string, error) { m.CacheBackgroundError(cacheName) }),
	}
	c, err := cache.NewSWRCache[string, Profile](cfg, logger, append(hooks, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Service{
		cache:  c,
		source: instrumentedSource{inner: source, metrics: m},
		logger: logger.With().Str("component", "ProfileService").Logger(),
	}, nil
}

// GetProfile returns the profile of address.
func (s *Service) GetProfile(ctx context.Context, address string) (Profile, error) {
	return s.cache.Get(ctx, normalize(address), s.source.Fetch)
}

// GetProfiles returns the profiles found for addresses, in input order.
// Addresses without a profile are omitted.
func (s *Service) GetProfiles(ctx context.Context, addresses []string) []Profile {
	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = normalize(a)
	}
	return s.cache.GetMany(ctx, keys, s.source.FetchMany, Key)
}

// Invalidate drops the cached profile of address.
func (s *Service) Invalidate(address string) {
	s.cache.Delete(normalize(address))
}

// Stats returns the profile cache counters.
func (s *Service) Stats() cache.Stats {
	return s.cache.Stats()
}

// Close waits for background refreshes to finish.
func (s *Service) Close(ctx context.Context) error {
	return s.cache.Close(ctx)
}

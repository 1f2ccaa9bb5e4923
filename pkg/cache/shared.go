package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-socialgraph/pkg/substrate"
	"github.com/rs/zerolog"
)

// SharedCacheConfig configures a SharedCache.
type SharedCacheConfig struct {
	// Prefix namespaces keys in the shared store, e.g. "profile:".
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// SharedCache is a cache layer shared by every service instance, stored as
// JSON in the substrate key/value store. Substrate failures are logged and
// reported as misses so an unreachable store degrades to the source.
type SharedCache[K comparable, V any] struct {
	store  substrate.Store
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewSharedCache creates a SharedCache over store.
func NewSharedCache[K comparable, V any](cfg *SharedCacheConfig, store substrate.Store, logger zerolog.Logger) (*SharedCache[K, V], error) {
	if store == nil {
		return nil, errors.New("substrate store cannot be nil")
	}
	return &SharedCache[K, V]{
		store:  store,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		logger: logger.With().Str("component", "SharedCache").Str("prefix", cfg.Prefix).Logger(),
	}, nil
}

func (c *SharedCache[K, V]) key(k K) string {
	return fmt.Sprintf("%s%v", c.prefix, k)
}

// Fetch returns the cached value for key or ErrNotFound.
func (c *SharedCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	raw, err := c.store.Get(ctx, c.key(key))
	if err != nil {
		if !errors.Is(err, substrate.ErrNotFound) {
			c.logger.Warn().Err(err).Str("key", c.key(key)).Msg("Shared cache read failed, treating as a miss.")
		}
		return zero, ErrNotFound
	}

	var value V
	if err := json.Unmarshal(raw, &value); err != nil {
		c.logger.Error().Err(err).Str("key", c.key(key)).Msg("Failed to unmarshal cached data.")
		return zero, ErrNotFound
	}
	return value, nil
}

// FetchMany returns the cached values found for keys together with the keys
// that were not found.
func (c *SharedCache[K, V]) FetchMany(ctx context.Context, keys []K) ([]V, []K) {
	if len(keys) == 0 {
		return nil, nil
	}
	storeKeys := make([]string, len(keys))
	for i, k := range keys {
		storeKeys[i] = c.key(k)
	}

	raws, err := c.store.MGet(ctx, storeKeys...)
	if err != nil {
		c.logger.Warn().Err(err).Int("keys", len(keys)).Msg("Shared cache batch read failed, treating all keys as misses.")
		return nil, keys
	}

	var found []V
	var missing []K
	for i, raw := range raws {
		if raw == nil {
			missing = append(missing, keys[i])
			continue
		}
		var value V
		if err := json.Unmarshal(raw, &value); err != nil {
			c.logger.Error().Err(err).Str("key", storeKeys[i]).Msg("Failed to unmarshal cached data.")
			missing = append(missing, keys[i])
			continue
		}
		found = append(found, value)
	}
	return found, missing
}

// WriteToCache stores value under key with the configured TTL.
func (c *SharedCache[K, V]) WriteToCache(ctx context.Context, key K, value V) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := c.store.Put(ctx, c.key(key), data, c.ttl); err != nil {
		return fmt.Errorf("failed to write %s to shared cache: %w", c.key(key), err)
	}
	return nil
}

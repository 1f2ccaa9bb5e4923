package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultWriteTimeout = 5 * time.Second

// Source is an upstream source of truth that can load single keys and batches.
type Source[K comparable, V any] interface {
	Fetch(ctx context.Context, key K) (V, error)
	FetchMany(ctx context.Context, keys []K) ([]V, error)
}

// FallbackConfig configures a FallbackFetcher.
type FallbackConfig struct {
	CacheWriteTimeout time.Duration `yaml:"cache_write_timeout"`
}

// FallbackFetcher resolves keys from the shared cache first and falls back to
// the source, writing source results back to the shared cache in the
// background. Its Fetch and FetchMany methods are used as SWR fetch
// functions.
type FallbackFetcher[K comparable, V any] struct {
	shared       *SharedCache[K, V]
	source       Source[K, V]
	keyOf        KeyFunc[K, V]
	writeTimeout time.Duration
	logger       zerolog.Logger
	writes       sync.WaitGroup
}

// NewFallbackFetcher creates a cache-then-source fetcher.
func NewFallbackFetcher[K comparable, V any](
	cfg *FallbackConfig,
	shared *SharedCache[K, V],
	source Source[K, V],
	keyOf KeyFunc[K, V],
	logger zerolog.Logger,
) *FallbackFetcher[K, V] {
	timeout := cfg.CacheWriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &FallbackFetcher[K, V]{
		shared:       shared,
		source:       source,
		keyOf:        keyOf,
		writeTimeout: timeout,
		logger:       logger.With().Str("component", "FallbackFetcher").Logger(),
	}
}

// Fetch returns the value for key from the shared cache or the source.
func (f *FallbackFetcher[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	value, err := f.shared.Fetch(ctx, key)
	if err == nil {
		return value, nil
	}
	f.logger.Debug().Str("key", fmt.Sprintf("%v", key)).Msg("Shared cache miss. Falling back to source.")

	value, err = f.source.Fetch(ctx, key)
	if err != nil {
		return zero, fmt.Errorf("error fetching from source: %w", err)
	}
	f.writeBack(ctx, []V{value})
	return value, nil
}

// FetchMany returns the values found for keys. Keys absent from the shared
// cache are loaded from the source in one batch.
func (f *FallbackFetcher[K, V]) FetchMany(ctx context.Context, keys []K) ([]V, error) {
	found, missing := f.shared.FetchMany(ctx, keys)
	if len(missing) == 0 {
		return found, nil
	}

	fromSource, err := f.source.FetchMany(ctx, missing)
	if err != nil {
		if len(found) > 0 {
			f.logger.Warn().Err(err).Int("missing", len(missing)).Msg("Source batch fetch failed, returning shared cache hits only.")
			return found, nil
		}
		return nil, fmt.Errorf("error batch fetching from source: %w", err)
	}
	f.writeBack(ctx, fromSource)
	return append(found, fromSource...), nil
}

// writeBack stores values in the shared cache without blocking the caller.
func (f *FallbackFetcher[K, V]) writeBack(ctx context.Context, values []V) {
	if len(values) == 0 {
		return
	}
	f.writes.Add(1)
	go func() {
		defer f.writes.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.writeTimeout)
		defer cancel()
		for _, v := range values {
			if err := f.shared.WriteToCache(writeCtx, f.keyOf(v), v); err != nil {
				f.logger.Error().Err(err).Msg("Failed to write to shared cache in background.")
			}
		}
	}()
}

// Wait blocks until pending background write-backs finish.
func (f *FallbackFetcher[K, V]) Wait() {
	f.writes.Wait()
}

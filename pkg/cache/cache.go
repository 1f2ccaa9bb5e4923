// Package cache provides the stale-while-revalidate cache used to shield
// upstream entity sources, plus the shared (substrate-backed) cache and
// source adapters that sit behind it.
package cache

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key is absent from a cache layer or source.
var ErrNotFound = errors.New("cache: key not found")

// FetchFunc loads the value for one key from an upstream source.
type FetchFunc[K comparable, V any] func(ctx context.Context, key K) (V, error)

// BatchFetchFunc loads values for several keys in one upstream call. The
// result may be shorter than keys and in any order; values are matched back
// to keys with a KeyFunc.
type BatchFetchFunc[K comparable, V any] func(ctx context.Context, keys []K) ([]V, error)

// KeyFunc extracts the cache key from a fetched value.
type KeyFunc[K comparable, V any] func(value V) K

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/illmade-knight/go-socialgraph/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultStaleFactor            = 6
	defaultMaxBackgroundRefreshes = 64
)

// errKeyNotReturned settles a batch member that the batch fetch did not return.
var errKeyNotReturned = fmt.Errorf("%w: not returned by batch fetch", ErrNotFound)

// SWRConfig configures an SWRCache.
type SWRConfig struct {
	// FreshDuration is how long an entry is served without revalidation.
	FreshDuration time.Duration `yaml:"fresh_duration"`
	// StaleDuration is the hard eviction age. Entries older than
	// FreshDuration but not older than StaleDuration are served while a
	// background refresh runs. Defaults to 6x FreshDuration.
	StaleDuration time.Duration `yaml:"stale_duration"`
	// MaxEntries bounds the cache; least recently used entries are evicted.
	MaxEntries int `yaml:"max_entries"`
	// MaxBackgroundRefreshes bounds concurrently running background
	// refreshes. A stale read that finds the set full skips its refresh.
	MaxBackgroundRefreshes int `yaml:"max_background_refreshes"`
}

// withDefaults fills zero fields and validates the result.
func (c SWRConfig) withDefaults() (SWRConfig, error) {
	if c.FreshDuration <= 0 {
		return c, fmt.Errorf("fresh duration must be greater than 0, got %v", c.FreshDuration)
	}
	if c.StaleDuration == 0 {
		c.StaleDuration = defaultStaleFactor * c.FreshDuration
	}
	if c.StaleDuration < c.FreshDuration {
		return c, fmt.Errorf("stale duration (%v) must not be shorter than fresh duration (%v)", c.StaleDuration, c.FreshDuration)
	}
	if c.MaxEntries <= 0 {
		return c, fmt.Errorf("max entries must be greater than 0, got %d", c.MaxEntries)
	}
	if c.MaxBackgroundRefreshes <= 0 {
		c.MaxBackgroundRefreshes = defaultMaxBackgroundRefreshes
	}
	return c, nil
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits             uint64
	StaleHits        uint64
	Misses           uint64
	Fetches          uint64
	BackgroundErrors uint64
	Entries          int
	InFlight         int
}

// SWROption customises an SWRCache.
type SWROption[K comparable, V any] func(*SWRCache[K, V])

// WithHitHook is called on every cache hit; stale reports whether the entry
// was past its fresh window.
func WithHitHook[K comparable, V any](fn func(key K, stale bool)) SWROption[K, V] {
	return func(c *SWRCache[K, V]) { c.onHit = fn }
}

// WithMissHook is called on every miss.
func WithMissHook[K comparable, V any](fn func(key K)) SWROption[K, V] {
	return func(c *SWRCache[K, V]) { c.onMiss = fn }
}

// WithBackgroundErrorHook is called when a background refresh fails.
func WithBackgroundErrorHook[K comparable, V any](fn func(key K, err error)) SWROption[K, V] {
	return func(c *SWRCache[K, V]) { c.onBackgroundError = fn }
}

// WithClock replaces time.Now for entry ageing.
func WithClock[K comparable, V any](now func() time.Time) SWROption[K, V] {
	return func(c *SWRCache[K, V]) { c.now = now }
}

type swrEntry[V any] struct {
	data      V
	timestamp time.Time
}

// SWRCache is a generic stale-while-revalidate cache with request
// coalescing: at most one upstream fetch per key is in flight at any time.
type SWRCache[K comparable, V any] struct {
	cfg    SWRConfig
	logger zerolog.Logger
	now    func() time.Time

	onHit             func(key K, stale bool)
	onMiss            func(key K)
	onBackgroundError func(key K, err error)

	entries *expirable.LRU[K, swrEntry[V]]

	mu       sync.Mutex
	inflight map[K]*call[V]
	closed   bool

	tasks  errgroup.Group
	bgCtx  context.Context
	cancel context.CancelFunc

	hits, staleHits, misses, fetches, bgErrors atomic.Uint64
}

// NewSWRCache creates a stale-while-revalidate cache.
func NewSWRCache[K comparable, V any](cfg SWRConfig, logger zerolog.Logger, opts ...SWROption[K, V]) (*SWRCache[K, V], error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	bgCtx, cancel := context.WithCancel(metrics.WithoutTracing(context.Background()))
	c := &SWRCache[K, V]{
		cfg:      cfg,
		logger:   logger.With().Str("component", "SWRCache").Logger(),
		now:      time.Now,
		inflight: make(map[K]*call[V]),
		bgCtx:    bgCtx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.entries = expirable.NewLRU[K, swrEntry[V]](cfg.MaxEntries, nil, cfg.StaleDuration)
	c.tasks.SetLimit(cfg.MaxBackgroundRefreshes)
	return c, nil
}

// lookup returns the entry for key, evicting it if it is past the stale window.
func (c *SWRCache[K, V]) lookup(key K) (swrEntry[V], bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		return e, false
	}
	if c.now().Sub(e.timestamp) > c.cfg.StaleDuration {
		c.entries.Remove(key)
		return e, false
	}
	return e, true
}

func (c *SWRCache[K, V]) isFresh(e swrEntry[V]) bool {
	return c.now().Sub(e.timestamp) <= c.cfg.FreshDuration
}

func (c *SWRCache[K, V]) store(key K, value V) {
	c.entries.Add(key, swrEntry[V]{data: value, timestamp: c.now()})
}

func (c *SWRCache[K, V]) hit(key K, stale bool) {
	if stale {
		c.staleHits.Add(1)
	} else {
		c.hits.Add(1)
	}
	if c.onHit != nil {
		c.onHit(key, stale)
	}
}

func (c *SWRCache[K, V]) miss(key K) {
	c.misses.Add(1)
	if c.onMiss != nil {
		c.onMiss(key)
	}
}

// Get returns the value for key. A fresh entry is returned as is. A stale
// entry is returned immediately and refreshed in the background. On a miss
// the caller waits for fetch, joining any fetch already in flight for key.
func (c *SWRCache[K, V]) Get(ctx context.Context, key K, fetch FetchFunc[K, V]) (V, error) {
	if e, ok := c.lookup(key); ok {
		if c.isFresh(e) {
			c.hit(key, false)
			return e.data, nil
		}
		c.hit(key, true)
		c.refreshInBackground(key, fetch)
		return e.data, nil
	}

	cl, leader, cached, ok := c.join(key)
	if ok {
		fresh := c.isFresh(cached)
		c.hit(key, !fresh)
		if !fresh {
			c.refreshInBackground(key, fetch)
		}
		return cached.data, nil
	}
	c.miss(key)
	if leader {
		go c.settle(context.WithoutCancel(ctx), key, cl, fetch)
	}
	return cl.wait(ctx)
}

// join registers interest in key. It returns the cached entry if another
// caller populated it since the first lookup, otherwise the in-flight call
// and whether the caller must start it.
func (c *SWRCache[K, V]) join(key K) (cl *call[V], leader bool, cached swrEntry[V], ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, found := c.inflight[key]; found {
		return existing, false, cached, false
	}
	if e, found := c.lookup(key); found {
		return nil, false, e, true
	}
	cl = newCall[V]()
	c.inflight[key] = cl
	return cl, true, cached, false
}

// settle runs fetch for key, caches a successful result, deregisters the
// in-flight call and wakes every waiter.
func (c *SWRCache[K, V]) settle(ctx context.Context, key K, cl *call[V], fetch FetchFunc[K, V]) {
	c.fetches.Add(1)
	var val V
	err := guard(func() error {
		var ferr error
		val, ferr = fetch(ctx, key)
		return ferr
	})
	if err == nil {
		c.store(key, val)
	}

	c.mu.Lock()
	if c.inflight[key] == cl {
		delete(c.inflight, key)
	}
	c.mu.Unlock()

	cl.val, cl.err = val, err
	close(cl.done)
}

// refreshInBackground starts a tracked refresh for key unless one is
// already in flight, the task set is full or the cache is closed.
func (c *SWRCache[K, V]) refreshInBackground(key K, fetch FetchFunc[K, V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.inflight[key]; found || c.closed {
		return
	}
	cl := newCall[V]()
	c.inflight[key] = cl

	started := c.tasks.TryGo(func() error {
		c.settle(c.bgCtx, key, cl, fetch)
		if cl.err != nil {
			c.bgErrors.Add(1)
			c.logger.Warn().Err(cl.err).Str("key", fmt.Sprintf("%v", key)).Msg("Background refresh failed, serving stale value.")
			if c.onBackgroundError != nil {
				c.onBackgroundError(key, cl.err)
			}
		}
		return nil
	})
	if !started {
		c.logger.Debug().Str("key", fmt.Sprintf("%v", key)).Msg("Background refresh set is full, skipping refresh.")
		delete(c.inflight, key)
		cl.err = errors.New("background refresh skipped")
		close(cl.done)
	}
}

// GetMany returns the values for keys in input order, duplicates included.
// Fresh and stale entries are served from the cache (stale ones are
// refreshed in the background one key at a time); missing keys join any
// in-flight fetch or are loaded together in a single batchFetch call. Keys
// that cannot be resolved are logged and omitted from the result.
func (c *SWRCache[K, V]) GetMany(ctx context.Context, keys []K, batchFetch BatchFetchFunc[K, V], keyOf KeyFunc[K, V]) []V {
	resolved := make(map[K]V, len(keys))
	var missing []K
	seen := make(map[K]struct{}, len(keys))

	single := func(ctx context.Context, key K) (V, error) {
		var zero V
		vals, err := batchFetch(ctx, []K{key})
		if err != nil {
			return zero, err
		}
		for _, v := range vals {
			if keyOf(v) == key {
				return v, nil
			}
		}
		return zero, errKeyNotReturned
	}

	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		e, ok := c.lookup(k)
		switch {
		case ok && c.isFresh(e):
			c.hit(k, false)
			resolved[k] = e.data
		case ok:
			c.hit(k, true)
			resolved[k] = e.data
			c.refreshInBackground(k, single)
		default:
			missing = append(missing, k)
		}
	}

	if len(missing) > 0 {
		pending := make(map[K]*call[V], len(missing))
		var toFetch []K
		batch := make(map[K]*call[V])
		late := make(map[K]bool)

		c.mu.Lock()
		for _, k := range missing {
			if cl, found := c.inflight[k]; found {
				pending[k] = cl
				continue
			}
			if e, found := c.lookup(k); found {
				resolved[k] = e.data
				late[k] = c.isFresh(e)
				continue
			}
			cl := newCall[V]()
			c.inflight[k] = cl
			batch[k] = cl
			pending[k] = cl
			toFetch = append(toFetch, k)
		}
		c.mu.Unlock()

		for _, k := range missing {
			if fresh, found := late[k]; found {
				c.hit(k, !fresh)
				if !fresh {
					c.refreshInBackground(k, single)
				}
				continue
			}
			c.miss(k)
		}

		if len(toFetch) > 0 {
			go c.settleBatch(context.WithoutCancel(ctx), toFetch, batch, batchFetch, keyOf)
		}

		for k, cl := range pending {
			v, err := cl.wait(ctx)
			if err != nil {
				c.logger.Warn().Err(err).Str("key", fmt.Sprintf("%v", k)).Msg("Failed to resolve key, omitting it from the result.")
				continue
			}
			resolved[k] = v
		}
	}

	out := make([]V, 0, len(keys))
	for _, k := range keys {
		if v, ok := resolved[k]; ok {
			out = append(out, v)
		}
	}
	return out
}

// settleBatch fetches keys in one call and settles each key's call
// individually, so callers waiting on a single key are released with it.
func (c *SWRCache[K, V]) settleBatch(ctx context.Context, keys []K, calls map[K]*call[V], batchFetch BatchFetchFunc[K, V], keyOf KeyFunc[K, V]) {
	c.fetches.Add(1)
	var vals []V
	err := guard(func() error {
		var ferr error
		vals, ferr = batchFetch(ctx, keys)
		return ferr
	})

	byKey := make(map[K]V, len(vals))
	if err == nil {
		for _, v := range vals {
			k := keyOf(v)
			c.store(k, v)
			byKey[k] = v
		}
	}

	c.mu.Lock()
	for _, k := range keys {
		if c.inflight[k] == calls[k] {
			delete(c.inflight, k)
		}
	}
	c.mu.Unlock()

	for _, k := range keys {
		cl := calls[k]
		switch v, ok := byKey[k]; {
		case err != nil:
			cl.err = err
		case ok:
			cl.val = v
		default:
			cl.err = errKeyNotReturned
		}
		close(cl.done)
	}
}

// Set stores value for key with the current timestamp.
func (c *SWRCache[K, V]) Set(key K, value V) {
	c.store(key, value)
}

// Delete removes key from the cache. An in-flight fetch for key is not
// cancelled and will repopulate the entry when it settles.
func (c *SWRCache[K, V]) Delete(key K) {
	c.entries.Remove(key)
}

// Clear removes every entry.
func (c *SWRCache[K, V]) Clear() {
	c.entries.Purge()
}

// Stats returns a snapshot of the cache counters.
func (c *SWRCache[K, V]) Stats() Stats {
	c.mu.Lock()
	inflight := len(c.inflight)
	c.mu.Unlock()
	return Stats{
		Hits:             c.hits.Load(),
		StaleHits:        c.staleHits.Load(),
		Misses:           c.misses.Load(),
		Fetches:          c.fetches.Load(),
		BackgroundErrors: c.bgErrors.Load(),
		Entries:          c.entries.Len(),
		InFlight:         inflight,
	}
}

// Close stops accepting background refreshes and waits for running ones.
// If ctx expires first the running refreshes are cancelled and abandoned.
func (c *SWRCache[K, V]) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = c.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		c.logger.Warn().Msg("Timed out waiting for background refreshes, abandoning them.")
		return ctx.Err()
	}
}

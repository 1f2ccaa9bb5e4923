// Package substrate defines the shared key/value, set and publish/subscribe
// primitives that stateless service instances use to coordinate, together
// with Redis, Google Pub/Sub and in-memory implementations.
package substrate

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("substrate: key not found")

// Store is the key/value (with TTL) and set half of the shared substrate.
type Store interface {
	// Put stores value under key. A ttl <= 0 stores the value without expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// MGet returns one slot per key, in order; absent keys yield nil.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers lists the members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)
}

// Handler receives messages published to a channel.
type Handler func(ctx context.Context, msg []byte)

// Subscription is an active channel subscription.
type Subscription interface {
	// Close stops delivery and waits for the receive loop to exit.
	Close() error
}

// Broadcaster is the publish/subscribe half of the shared substrate.
// Every subscriber of a channel receives every message published on it.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, msg []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
}

// Substrate is the full shared substrate consumed by the registry and caches.
type Substrate interface {
	Store
	Broadcaster
	io.Closer
}

// composite joins a Store and a Broadcaster that are backed by different systems.
type composite struct {
	Store
	Broadcaster
	closers []io.Closer
}

// Compose builds a Substrate from a Store and a Broadcaster. Close closes
// both when they implement io.Closer.
func Compose(store Store, broadcaster Broadcaster) Substrate {
	c := &composite{Store: store, Broadcaster: broadcaster}
	if cl, ok := store.(io.Closer); ok {
		c.closers = append(c.closers, cl)
	}
	if cl, ok := broadcaster.(io.Closer); ok && any(broadcaster) != any(store) {
		c.closers = append(c.closers, cl)
	}
	return c
}

// Close closes the underlying store and broadcaster.
func (c *composite) Close() error {
	var errs []error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

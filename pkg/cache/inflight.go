package cache

import (
	"context"
	"fmt"
)

// call is the pending result of one upstream fetch for one key. Every
// caller interested in the key waits on the same call.
type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

func newCall[V any]() *call[V] {
	return &call[V]{done: make(chan struct{})}
}

// wait blocks until the call settles or ctx is done.
func (c *call[V]) wait(ctx context.Context) (V, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// guard runs fn, converting a panic into an error so an in-flight entry is
// always settled.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	return fn()
}

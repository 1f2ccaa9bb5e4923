package stream_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-socialgraph/pkg/events"
	"github.com/illmade-knight/go-socialgraph/pkg/registry"
	"github.com/illmade-knight/go-socialgraph/pkg/stream"
	"github.com/illmade-knight/go-socialgraph/pkg/substrate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0xalice"
	bob   = "0xbob"
)

// recordingSink collects sent messages and can fail on demand.
type recordingSink[W any] struct {
	ctx  context.Context
	mu   sync.Mutex
	sent []W
	err  error
}

func (s *recordingSink[W]) Send(msg W) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSink[W]) Context() context.Context { return s.ctx }

func (s *recordingSink[W]) messages() []W {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]W(nil), s.sent...)
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	s := substrate.NewInMemorySubstrate()
	t.Cleanup(func() { _ = s.Close() })
	r, err := registry.New(registry.Config{}, s, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r
}

func waitForListener(t *testing.T, r *registry.Registry, address string) *registry.Subscriber {
	t.Helper()
	var sub *registry.Subscriber
	require.Eventually(t, func() bool {
		s, ok := r.Get(address)
		if !ok || s.ListenerCount() == 0 {
			return false
		}
		sub = s
		return true
	}, time.Second, time.Millisecond)
	return sub
}

func TestDeliver(t *testing.T) {
	t.Run("delivers only events addressed to the viewer", func(t *testing.T) {
		// Arrange
		r := newTestRegistry(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sink := &recordingSink[stream.FriendshipUpdateMessage]{ctx: ctx}
		done := make(chan error, 1)
		go func() { done <- stream.Deliver(ctx, r, bob, stream.FriendshipSpec, sink) }()
		waitForListener(t, r, bob)

		// Act
		require.NoError(t, r.Publish(ctx, bob, events.FriendshipUpdate{ID: "skip", From: bob, To: "0xsomeone"}))
		require.NoError(t, r.Publish(ctx, bob, events.FriendshipUpdate{ID: "keep", From: alice, To: bob, Action: "REQUEST"}))

		// Assert
		require.Eventually(t, func() bool { return len(sink.messages()) == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, "keep", sink.messages()[0].ID)
		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("connectivity of the viewer itself is skipped", func(t *testing.T) {
		r := newTestRegistry(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sink := &recordingSink[stream.ConnectivityUpdateMessage]{ctx: ctx}
		go func() { _ = stream.Deliver(ctx, r, bob, stream.ConnectivitySpec, sink) }()
		waitForListener(t, r, bob)

		require.NoError(t, r.Publish(ctx, bob, events.ConnectivityUpdate{Address: bob, Status: events.StatusOnline}))
		require.NoError(t, r.Publish(ctx, bob, events.ConnectivityUpdate{Address: alice, Status: events.StatusAway}))

		require.Eventually(t, func() bool { return len(sink.messages()) == 1 }, time.Second, time.Millisecond)
		assert.Equal(t, stream.ConnectivityUpdateMessage{Address: alice, Status: "AWAY"}, sink.messages()[0])
	})

	t.Run("send error terminates the stream and detaches the listener", func(t *testing.T) {
		// Arrange
		r := newTestRegistry(t)
		ctx := context.Background()
		sendErr := errors.New("client gone")
		sink := &recordingSink[stream.BlockUpdateMessage]{ctx: ctx, err: sendErr}
		done := make(chan error, 1)
		go func() { done <- stream.Deliver(ctx, r, bob, stream.BlockSpec, sink) }()
		sub := waitForListener(t, r, bob)

		// Act
		require.NoError(t, r.Publish(ctx, bob, events.BlockUpdate{Address: alice, IsBlocked: true}))

		// Assert
		require.ErrorIs(t, <-done, sendErr)
		assert.Equal(t, 0, sub.ListenerCount())
		require.NoError(t, r.Publish(ctx, bob, events.BlockUpdate{Address: alice, IsBlocked: false}))
	})

	t.Run("removing the subscriber ends the stream cleanly", func(t *testing.T) {
		r := newTestRegistry(t)
		ctx := context.Background()
		sink := &recordingSink[stream.BlockUpdateMessage]{ctx: ctx}
		done := make(chan error, 1)
		go func() { done <- stream.Deliver(ctx, r, bob, stream.BlockSpec, sink) }()
		waitForListener(t, r, bob)

		r.Remove(ctx, bob)

		require.NoError(t, <-done)
	})
}

package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/illmade-knight/go-socialgraph/pkg/events"
)

// ErrListenerClosed is returned by Listener.Next once the listener or its
// subscriber has been closed.
var ErrListenerClosed = errors.New("registry: listener closed")

// Subscriber is the per-address event emitter held by one instance. Every
// attached Listener receives the events routed to the address, in arrival
// order.
type Subscriber struct {
	address string
	created time.Time

	// after is the previous subscriber of the address whose global cleanup
	// was still running when this one was created.
	after *Subscriber
	// registered is closed once the global registration has finished,
	// released once the global cleanup has.
	registered chan struct{}
	released   chan struct{}

	mu        sync.Mutex
	listeners map[*Listener]struct{}
	closed    bool
}

func newSubscriber(address string) *Subscriber {
	return &Subscriber{
		address:    address,
		created:    time.Now(),
		registered: make(chan struct{}),
		released:   make(chan struct{}),
		listeners:  make(map[*Listener]struct{}),
	}
}

// Address returns the normalised address of the subscriber.
func (s *Subscriber) Address() string { return s.address }

// Listen attaches a listener receiving events of the given kinds, or every
// kind when none are given. Listening on a removed subscriber returns a
// closed listener.
func (s *Subscriber) Listen(kinds ...events.Kind) *Listener {
	l := &Listener{
		sub:    s,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if len(kinds) > 0 {
		l.kinds = make(map[events.Kind]bool, len(kinds))
		for _, k := range kinds {
			l.kinds[k] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		l.closeOnce.Do(func() { close(l.done) })
		return l
	}
	s.listeners[l] = struct{}{}
	return l
}

// ListenerCount returns the number of attached listeners.
func (s *Subscriber) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// emit enqueues ev on every interested listener and returns how many
// accepted it.
func (s *Subscriber) emit(ev events.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for l := range s.listeners {
		if l.accepts(ev.Kind()) {
			l.enqueue(ev)
			n++
		}
	}
	return n
}

// close detaches and closes every listener. Later Listen calls return
// closed listeners.
func (s *Subscriber) close() {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = make(map[*Listener]struct{})
	s.closed = true
	s.mu.Unlock()

	for l := range listeners {
		l.closeOnce.Do(func() { close(l.done) })
	}
}

func (s *Subscriber) detach(l *Listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
}

// Listener is an unsubscribe handle with its own unbounded queue, so the
// dispatcher never blocks on a slow consumer.
type Listener struct {
	sub   *Subscriber
	kinds map[events.Kind]bool

	mu     sync.Mutex
	queue  []events.Event
	signal chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func (l *Listener) accepts(k events.Kind) bool {
	return l.kinds == nil || l.kinds[k]
}

func (l *Listener) enqueue(ev events.Event) {
	l.mu.Lock()
	l.queue = append(l.queue, ev)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Next waits for the next event. It returns ErrListenerClosed once the
// listener is closed and ctx.Err() when ctx is done.
func (l *Listener) Next(ctx context.Context) (events.Event, error) {
	for {
		select {
		case <-l.done:
			return nil, ErrListenerClosed
		default:
		}

		l.mu.Lock()
		if len(l.queue) > 0 {
			ev := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return ev, nil
		}
		l.mu.Unlock()

		select {
		case <-l.signal:
		case <-l.done:
			return nil, ErrListenerClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Done is closed when the listener is closed.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Close detaches the listener from its subscriber. No event is enqueued
// after Close returns. Close is idempotent.
func (l *Listener) Close() {
	l.sub.detach(l)
	l.closeOnce.Do(func() { close(l.done) })
}

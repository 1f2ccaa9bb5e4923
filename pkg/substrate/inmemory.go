package substrate

import (
	"context"
	"sync"
	"time"
)

type memValue struct {
	data      []byte
	expiresAt time.Time
}

// InMemorySubstrate is a thread-safe, process-local Substrate. Several
// registries sharing one InMemorySubstrate behave like instances sharing
// one Redis, which makes it the substrate of choice for tests and local
// development.
type InMemorySubstrate struct {
	mu     sync.Mutex
	now    func() time.Time
	values map[string]memValue
	sets   map[string]map[string]struct{}
	subs   map[string]map[*memSubscription]struct{}
}

// NewInMemorySubstrate creates an empty in-memory substrate.
func NewInMemorySubstrate() *InMemorySubstrate {
	return &InMemorySubstrate{
		now:    time.Now,
		values: make(map[string]memValue),
		sets:   make(map[string]map[string]struct{}),
		subs:   make(map[string]map[*memSubscription]struct{}),
	}
}

// Put stores a value, honouring ttl on later reads.
func (s *InMemorySubstrate) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := memValue{data: append([]byte(nil), value...)}
	if ttl > 0 {
		v.expiresAt = s.now().Add(ttl)
	}
	s.values[key] = v
	return nil
}

// Get returns the value for key or ErrNotFound.
func (s *InMemorySubstrate) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// MGet returns the values for keys in order, nil for absent keys.
func (s *InMemorySubstrate) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if data, ok := s.lookup(k); ok {
			out[i] = data
		}
	}
	return out, nil
}

// lookup must be called with s.mu held.
func (s *InMemorySubstrate) lookup(key string) ([]byte, bool) {
	v, ok := s.values[key]
	if !ok {
		return nil, false
	}
	if !v.expiresAt.IsZero() && !s.now().Before(v.expiresAt) {
		delete(s.values, key)
		return nil, false
	}
	return append([]byte(nil), v.data...), true
}

// SAdd adds members to a set.
func (s *InMemorySubstrate) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

// SRem removes members from a set.
func (s *InMemorySubstrate) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

// SMembers lists set members in no particular order.
func (s *InMemorySubstrate) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out, nil
}

// Publish delivers msg to every current subscriber of channel. Delivery is
// asynchronous but ordered per subscription.
func (s *InMemorySubstrate) Publish(_ context.Context, channel string, msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[channel] {
		sub.enqueue(append([]byte(nil), msg...))
	}
	return nil
}

// Subscribe registers handler for channel until the subscription is closed.
func (s *InMemorySubstrate) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	sub := &memSubscription{
		owner:   s,
		channel: channel,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[*memSubscription]struct{})
	}
	s.subs[channel][sub] = struct{}{}
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub.cancel = cancel
	go sub.loop(loopCtx)
	return sub, nil
}

// Close drops every subscription.
func (s *InMemorySubstrate) Close() error {
	s.mu.Lock()
	var all []*memSubscription
	for _, subs := range s.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range all {
		_ = sub.Close()
	}
	return nil
}

type memSubscription struct {
	owner   *InMemorySubstrate
	channel string
	handler Handler
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending [][]byte
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (m *memSubscription) enqueue(msg []byte) {
	m.mu.Lock()
	m.pending = append(m.pending, msg)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *memSubscription) loop(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.signal:
		}
		for {
			m.mu.Lock()
			if len(m.pending) == 0 {
				m.mu.Unlock()
				break
			}
			msg := m.pending[0]
			m.pending = m.pending[1:]
			m.mu.Unlock()
			m.handler(ctx, msg)
		}
	}
}

// Close unregisters the subscription and waits for its loop to exit.
func (m *memSubscription) Close() error {
	m.once.Do(func() {
		m.owner.mu.Lock()
		delete(m.owner.subs[m.channel], m)
		m.owner.mu.Unlock()
		m.cancel()
		<-m.done
	})
	return nil
}

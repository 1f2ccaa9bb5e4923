package friendship

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrConcurrentAction is returned by AppendAfter when the pair's last action
// is no longer the one the new action was validated against.
var ErrConcurrentAction = errors.New("friendship: concurrent action on pair")

// ActionStore persists the append-only action log of every pair.
type ActionStore interface {
	// LastAction returns the most recent action of the pair, or nil if the
	// pair has no history.
	LastAction(ctx context.Context, friendshipID string) (*Action, error)
	// AppendAfter appends action only if the pair's last action has id
	// prevID, where "" means the pair has no history. Otherwise it returns
	// ErrConcurrentAction and writes nothing.
	AppendAfter(ctx context.Context, prevID string, action Action) error
	// LatestByUser returns the most recent action of every pair involving
	// address.
	LatestByUser(ctx context.Context, address string) ([]Action, error)
}

// InMemoryActionStore is an ActionStore held in process memory.
type InMemoryActionStore struct {
	mu  sync.RWMutex
	log map[string][]Action
}

// NewInMemoryActionStore creates an empty in-memory store.
func NewInMemoryActionStore() *InMemoryActionStore {
	return &InMemoryActionStore{log: make(map[string][]Action)}
}

// LastAction implements ActionStore.
func (s *InMemoryActionStore) LastAction(_ context.Context, friendshipID string) (*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	actions := s.log[friendshipID]
	if len(actions) == 0 {
		return nil, nil
	}
	last := actions[len(actions)-1]
	return &last, nil
}

// AppendAfter implements ActionStore.
func (s *InMemoryActionStore) AppendAfter(_ context.Context, prevID string, action Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := s.log[action.FriendshipID]
	var lastID string
	if len(actions) > 0 {
		lastID = actions[len(actions)-1].ID
	}
	if lastID != prevID {
		return ErrConcurrentAction
	}
	s.log[action.FriendshipID] = append(actions, action)
	return nil
}

// LatestByUser implements ActionStore.
func (s *InMemoryActionStore) LatestByUser(_ context.Context, address string) ([]Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Action
	for _, actions := range s.log {
		last := actions[len(actions)-1]
		if last.ActingUser == address || last.Target == address {
			out = append(out, last)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FriendshipID < out[j].FriendshipID })
	return out, nil
}

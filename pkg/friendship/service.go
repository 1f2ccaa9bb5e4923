package friendship

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-socialgraph/pkg/events"
	"github.com/rs/zerolog"
)

// Publisher delivers a domain event to the instance holding target's
// subscriber.
type Publisher interface {
	Publish(ctx context.Context, target string, ev events.Event) error
}

// maxApplyAttempts bounds how often Apply revalidates after another
// instance appended to the same pair first.
const maxApplyAttempts = 3

// Service applies friendship actions and publishes their events. Actions on
// one pair are applied one at a time within a Service; across instances the
// store's conditional append keeps the log consistent.
type Service struct {
	store     ActionStore
	publisher Publisher
	now       func() time.Time
	logger    zerolog.Logger

	mu    sync.Mutex
	pairs map[string]*pairLock
}

// pairLock serializes Apply for one pair. refs counts holders and waiters so
// the entry can be dropped when unused.
type pairLock struct {
	mu   sync.Mutex
	refs int
}

func (s *Service) lockPair(pairID string) func() {
	s.mu.Lock()
	l, ok := s.pairs[pairID]
	if !ok {
		l = &pairLock{}
		s.pairs[pairID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.pairs, pairID)
		}
		s.mu.Unlock()
	}
}

// NewService creates a friendship Service.
func NewService(store ActionStore, publisher Publisher, logger zerolog.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("action store cannot be nil")
	}
	if publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	return &Service{
		store:     store,
		publisher: publisher,
		now:       time.Now,
		logger:    logger.With().Str("component", "FriendshipService").Logger(),
		pairs:     make(map[string]*pairLock),
	}, nil
}

// Apply validates req against the pair's last action, appends it and
// publishes the resulting events. Validation failures are returned before
// anything is written; publish failures are only logged. When another
// writer appends to the pair in between, the action is revalidated against
// the new last action.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (Action, error) {
	actor := NormalizeAddress(req.ActingUser)
	target := NormalizeAddress(req.Target)
	pairID := PairID(actor, target)

	unlock := s.lockPair(pairID)
	defer unlock()

	action := Action{
		ID:           uuid.NewString(),
		FriendshipID: pairID,
		Type:         req.Type,
		ActingUser:   actor,
		Target:       target,
		Metadata:     req.Metadata,
	}
	var prev *Action
	for attempt := 1; ; attempt++ {
		var err error
		prev, err = s.store.LastAction(ctx, pairID)
		if err != nil {
			return Action{}, fmt.Errorf("failed to load last action: %w", err)
		}
		if err := ValidateNewAction(actor, target, req.Type, prev); err != nil {
			return Action{}, err
		}

		var prevID string
		if prev != nil {
			prevID = prev.ID
		}
		action.Timestamp = s.now().UTC()
		err = s.store.AppendAfter(ctx, prevID, action)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConcurrentAction) || attempt == maxApplyAttempts {
			return Action{}, fmt.Errorf("failed to append action: %w", err)
		}
		s.logger.Debug().Str("friendship_id", pairID).Int("attempt", attempt).Msg("Pair changed concurrently, revalidating action.")
	}

	s.publish(ctx, target, events.FriendshipUpdate{
		ID:        action.ID,
		From:      actor,
		To:        target,
		Action:    string(action.Type),
		Timestamp: action.Timestamp,
		Metadata:  action.Metadata,
	})
	switch {
	case action.Type == ActionBlock:
		s.publish(ctx, target, events.BlockUpdate{Address: actor, IsBlocked: true})
	case action.Type == ActionDelete && prev != nil && prev.Type == ActionBlock:
		s.publish(ctx, target, events.BlockUpdate{Address: actor, IsBlocked: false})
	}

	s.logger.Info().Str("friendship_id", pairID).Str("action", string(action.Type)).Str("acting_user", actor).Msg("Friendship action applied.")
	return action, nil
}

func (s *Service) publish(ctx context.Context, target string, ev events.Event) {
	if err := s.publisher.Publish(ctx, target, ev); err != nil {
		s.logger.Error().Err(err).Str("address", target).Str("kind", string(ev.Kind())).Msg("Failed to publish friendship event.")
	}
}

// Status returns the friendship status between viewer and other from
// viewer's point of view.
func (s *Service) Status(ctx context.Context, viewer, other string) (RequestStatus, error) {
	last, err := s.store.LastAction(ctx, PairID(viewer, other))
	if err != nil {
		return StatusNone, fmt.Errorf("failed to load last action: %w", err)
	}
	return GetRequestStatus(last, viewer), nil
}

// Friends returns the addresses whose friendship with address is accepted.
func (s *Service) Friends(ctx context.Context, address string) ([]string, error) {
	address = NormalizeAddress(address)
	latest, err := s.store.LatestByUser(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to load actions of %s: %w", address, err)
	}
	var friends []string
	for _, a := range latest {
		if a.Type == ActionAccept {
			friends = append(friends, a.Other(address))
		}
	}
	return friends, nil
}

// NotifyConnectivity publishes address's presence status to each of its
// friends.
func (s *Service) NotifyConnectivity(ctx context.Context, address string, status events.ConnectivityStatus) error {
	address = NormalizeAddress(address)
	friends, err := s.Friends(ctx, address)
	if err != nil {
		return err
	}
	update := events.ConnectivityUpdate{Address: address, Status: status}
	for _, friend := range friends {
		s.publish(ctx, friend, update)
	}
	s.logger.Debug().Str("address", address).Str("status", string(status)).Int("friends", len(friends)).Msg("Connectivity published.")
	return nil
}

package friendship

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

// FirestoreActionStore stores every action as a document of one collection,
// keyed by action id.
type FirestoreActionStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreActionStore creates an ActionStore backed by collection.
func NewFirestoreActionStore(client *firestore.Client, collection string, logger zerolog.Logger) (*FirestoreActionStore, error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if collection == "" {
		return nil, errors.New("firestore collection name is required")
	}
	return &FirestoreActionStore{
		client:     client,
		collection: collection,
		logger:     logger.With().Str("component", "FirestoreActionStore").Str("collection", collection).Logger(),
	}, nil
}

func (s *FirestoreActionStore) lastActionQuery(friendshipID string) firestore.Query {
	return s.client.Collection(s.collection).
		Where("friendshipId", "==", friendshipID).
		OrderBy("timestamp", firestore.Desc).
		Limit(1)
}

// LastAction implements ActionStore.
func (s *FirestoreActionStore) LastAction(ctx context.Context, friendshipID string) (*Action, error) {
	iter := s.lastActionQuery(friendshipID).Documents(ctx)
	defer iter.Stop()
	return firstAction(iter, friendshipID)
}

func firstAction(iter *firestore.DocumentIterator, friendshipID string) (*Action, error) {
	doc, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last action of %s: %w", friendshipID, err)
	}
	var action Action
	if err := doc.DataTo(&action); err != nil {
		return nil, fmt.Errorf("failed to map action document %s: %w", doc.Ref.ID, err)
	}
	return &action, nil
}

// AppendAfter implements ActionStore. The last-action read and the create
// run in one transaction, so a concurrent writer on the pair makes one of
// them retry and observe the other's action.
func (s *FirestoreActionStore) AppendAfter(ctx context.Context, prevID string, action Action) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		iter := tx.Documents(s.lastActionQuery(action.FriendshipID))
		defer iter.Stop()
		last, err := firstAction(iter, action.FriendshipID)
		if err != nil {
			return err
		}
		var lastID string
		if last != nil {
			lastID = last.ID
		}
		if lastID != prevID {
			return ErrConcurrentAction
		}
		return tx.Create(s.client.Collection(s.collection).Doc(action.ID), action)
	})
	if err != nil {
		if errors.Is(err, ErrConcurrentAction) {
			return err
		}
		return fmt.Errorf("failed to append action %s: %w", action.ID, err)
	}
	s.logger.Debug().Str("friendship_id", action.FriendshipID).Str("action", string(action.Type)).Msg("Appended friendship action.")
	return nil
}

// LatestByUser implements ActionStore. It reads every action involving
// address and keeps the most recent one per pair.
func (s *FirestoreActionStore) LatestByUser(ctx context.Context, address string) ([]Action, error) {
	latest := make(map[string]Action)
	for _, field := range []string{"actingUser", "target"} {
		iter := s.client.Collection(s.collection).Where(field, "==", address).Documents(ctx)
		for {
			doc, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				iter.Stop()
				return nil, fmt.Errorf("failed to query actions of %s: %w", address, err)
			}
			var action Action
			if err := doc.DataTo(&action); err != nil {
				s.logger.Warn().Err(err).Str("doc_id", doc.Ref.ID).Msg("Skipping unreadable action document.")
				continue
			}
			if cur, ok := latest[action.FriendshipID]; !ok || action.Timestamp.After(cur.Timestamp) {
				latest[action.FriendshipID] = action
			}
		}
		iter.Stop()
	}

	out := make([]Action, 0, len(latest))
	for _, a := range latest {
		out = append(out, a)
	}
	return out, nil
}

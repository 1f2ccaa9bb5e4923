package cache

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for a Firestore-backed source.
type FirestoreConfig struct {
	ProjectID      string `yaml:"project_id"`
	CollectionName string `yaml:"collection"`
}

// FirestoreSource is a generic source of truth reading documents of one
// Firestore collection by id.
type FirestoreSource[K comparable, V any] struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreSource creates a new generic FirestoreSource.
func NewFirestoreSource[K comparable, V any](
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreSource[K, V], error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, errors.New("firestore collection name is required")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreSource initialized.")

	return &FirestoreSource[K, V]{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreSource").Logger(),
	}, nil
}

// Fetch retrieves a single document by its key. A missing document yields
// an error wrapping ErrNotFound.
func (s *FirestoreSource[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := fmt.Sprintf("%v", key)
	docSnap, err := s.client.Collection(s.collectionName).Doc(stringKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return zero, fmt.Errorf("document %s: %w", stringKey, ErrNotFound)
		}
		s.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to get document from Firestore.")
		return zero, fmt.Errorf("firestore get for %s: %w", stringKey, err)
	}

	var value V
	if err := docSnap.DataTo(&value); err != nil {
		return zero, fmt.Errorf("firestore DataTo for %s: %w", stringKey, err)
	}
	return value, nil
}

// FetchMany retrieves the documents for keys in one round trip. Missing
// documents are skipped.
func (s *FirestoreSource[K, V]) FetchMany(ctx context.Context, keys []K) ([]V, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	col := s.client.Collection(s.collectionName)
	refs := make([]*firestore.DocumentRef, len(keys))
	for i, k := range keys {
		refs[i] = col.Doc(fmt.Sprintf("%v", k))
	}

	snaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		s.logger.Error().Err(err).Int("keys", len(keys)).Msg("Failed to batch get documents from Firestore.")
		return nil, fmt.Errorf("firestore get all: %w", err)
	}

	values := make([]V, 0, len(snaps))
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var value V
		if err := snap.DataTo(&value); err != nil {
			s.logger.Warn().Err(err).Str("key", snap.Ref.ID).Msg("Failed to map Firestore document data, skipping it.")
			continue
		}
		values = append(values, value)
	}
	return values, nil
}

// Put writes value as the document for key.
func (s *FirestoreSource[K, V]) Put(ctx context.Context, key K, value V) error {
	stringKey := fmt.Sprintf("%v", key)
	if _, err := s.client.Collection(s.collectionName).Doc(stringKey).Set(ctx, value); err != nil {
		return fmt.Errorf("firestore set for %s: %w", stringKey, err)
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-socialgraph/pkg/admission"
	"github.com/illmade-knight/go-socialgraph/pkg/cache"
	"github.com/illmade-knight/go-socialgraph/pkg/config"
	"github.com/illmade-knight/go-socialgraph/pkg/friendship"
	"github.com/illmade-knight/go-socialgraph/pkg/metrics"
	"github.com/illmade-knight/go-socialgraph/pkg/microservice"
	"github.com/illmade-knight/go-socialgraph/pkg/profile"
	"github.com/illmade-knight/go-socialgraph/pkg/registry"
	"github.com/illmade-knight/go-socialgraph/pkg/stream"
	"github.com/illmade-knight/go-socialgraph/pkg/substrate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownTimeout = 15 * time.Second

func run(parent context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ProjectID == "" {
		return errors.New("project_id is required")
	}
	if cfg.Registry.InstanceID == "" {
		cfg.Registry.InstanceID = uuid.NewString()
	}
	logger = logger.With().Str("instance_id", cfg.Registry.InstanceID).Logger()

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(promReg, "socialgraph")
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn().Err(err).Msg("Error releasing resource.")
			}
		}
	}()

	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return fmt.Errorf("failed to create firestore client: %w", err)
	}
	closers = append(closers, fsClient)

	shared, err := newSubstrate(ctx, cfg, clientOpts, logger)
	if err != nil {
		return err
	}
	closers = append(closers, shared)

	reg, err := registry.New(cfg.Registry, shared, m, logger)
	if err != nil {
		return err
	}
	if err := reg.Start(ctx); err != nil {
		return err
	}

	actions, err := friendship.NewFirestoreActionStore(fsClient, cfg.Firestore.ActionsCollection, logger)
	if err != nil {
		return err
	}
	friendships, err := friendship.NewService(actions, reg, logger)
	if err != nil {
		return err
	}

	profiles, err := newProfileService(cfg, fsClient, shared, m, logger)
	if err != nil {
		return err
	}

	pool, err := admission.NewPool(cfg.Admission, m, logger)
	if err != nil {
		return err
	}
	updates, err := stream.NewServer(reg, pool, friendships, m, logger)
	if err != nil {
		return err
	}

	grpcServer := microservice.NewGRPCServer(logger, cfg.GRPCPort)
	stream.RegisterUpdatesServer(grpcServer.Server, updates)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer.Server, healthServer)
	if err := grpcServer.Start(); err != nil {
		return err
	}

	httpServer := microservice.NewBaseServer(logger, cfg.HTTPPort, promReg)
	profiles.RegisterRoutes(httpServer.Mux())
	if err := httpServer.Start(); err != nil {
		return err
	}

	logger.Info().Str("grpc", grpcServer.Addr()).Str("http", httpServer.GetHTTPPort()).Msg("Service started.")
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	healthServer.Shutdown()
	// Friends must hear OFFLINE while the registry can still broadcast.
	updates.Drain(shutdownCtx)
	var errs []error
	// Stopping the registry ends every open stream so the gRPC server can drain.
	if err := reg.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := profiles.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func newSubstrate(ctx context.Context, cfg *config.Config, clientOpts []option.ClientOption, logger zerolog.Logger) (substrate.Substrate, error) {
	var base substrate.Substrate
	switch cfg.Substrate.Backend {
	case config.BackendMemory:
		logger.Warn().Msg("Using the in-memory substrate; presence and fan-out are limited to this instance.")
		base = substrate.NewInMemorySubstrate()
	default:
		rs, err := substrate.NewRedisSubstrate(ctx, &cfg.Substrate.Redis, logger)
		if err != nil {
			return nil, err
		}
		base = rs
	}

	if cfg.Substrate.Broadcast != config.BroadcastPubsub {
		return base, nil
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		_ = base.Close()
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	psCfg := cfg.Substrate.Pubsub
	if psCfg.InstanceID == "" {
		psCfg.InstanceID = cfg.Registry.InstanceID
	}
	broadcaster, err := substrate.NewGooglePubsubBroadcaster(client, psCfg, logger)
	if err != nil {
		_ = client.Close()
		_ = base.Close()
		return nil, err
	}
	return substrate.Compose(base, &ownedBroadcaster{GooglePubsubBroadcaster: broadcaster, client: client}), nil
}

// ownedBroadcaster closes the Pub/Sub client it was built on.
type ownedBroadcaster struct {
	*substrate.GooglePubsubBroadcaster
	client *pubsub.Client
}

func (b *ownedBroadcaster) Close() error {
	return errors.Join(b.GooglePubsubBroadcaster.Close(), b.client.Close())
}

func newProfileService(cfg *config.Config, fsClient *firestore.Client, shared substrate.Store, m *metrics.Metrics, logger zerolog.Logger) (*profile.Service, error) {
	source, err := cache.NewFirestoreSource[string, profile.Profile](&cache.FirestoreConfig{
		ProjectID:      cfg.ProjectID,
		CollectionName: cfg.Firestore.ProfilesCollection,
	}, fsClient, logger)
	if err != nil {
		return nil, err
	}
	l2, err := cache.NewSharedCache[string, profile.Profile](&cfg.Cache.Shared, shared, logger)
	if err != nil {
		return nil, err
	}
	fetcher := cache.NewFallbackFetcher[string, profile.Profile](&cfg.Cache.Fallback, l2, source, profile.Key, logger)
	return profile.NewService(cfg.Cache.Profile, fetcher, m, logger)
}

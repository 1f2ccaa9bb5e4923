package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-socialgraph/pkg/admission"
	"github.com/illmade-knight/go-socialgraph/pkg/events"
	"github.com/illmade-knight/go-socialgraph/pkg/metrics"
	"github.com/illmade-knight/go-socialgraph/pkg/registry"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UserAddressKey is the incoming metadata key carrying the authenticated
// viewer address.
const UserAddressKey = "x-user-address"

const presenceTimeout = 5 * time.Second

// Presence announces connectivity changes of an address to its friends.
type Presence interface {
	NotifyConnectivity(ctx context.Context, address string, status events.ConnectivityStatus) error
}

// UpdatesServer is the server API of socialgraph.v1.UpdatesService.
type UpdatesServer interface {
	SubscribeToFriendshipUpdates(req *SubscribeRequest, stream grpc.ServerStream) error
	SubscribeToFriendConnectivityUpdates(req *SubscribeRequest, stream grpc.ServerStream) error
	SubscribeToBlockUpdates(req *SubscribeRequest, stream grpc.ServerStream) error
}

// Server implements UpdatesServer over a registry. Each open stream holds
// one admission slot; the first stream of an address announces it ONLINE
// and closing the last one announces it OFFLINE and removes its subscriber.
type Server struct {
	registry *registry.Registry
	pool     *admission.Pool
	presence Presence
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu       sync.Mutex
	open     map[string]int
	draining bool
}

// NewServer creates the UpdatesService implementation. presence and m may
// be nil.
func NewServer(reg *registry.Registry, pool *admission.Pool, presence Presence, m *metrics.Metrics, logger zerolog.Logger) (*Server, error) {
	if reg == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if pool == nil {
		return nil, errors.New("admission pool cannot be nil")
	}
	return &Server{
		registry: reg,
		pool:     pool,
		presence: presence,
		metrics:  m,
		logger:   logger.With().Str("component", "UpdatesServer").Logger(),
		open:     make(map[string]int),
	}, nil
}

// SubscribeToFriendshipUpdates implements UpdatesServer.
func (s *Server) SubscribeToFriendshipUpdates(_ *SubscribeRequest, stream grpc.ServerStream) error {
	return serve(s, stream, FriendshipSpec)
}

// SubscribeToFriendConnectivityUpdates implements UpdatesServer.
func (s *Server) SubscribeToFriendConnectivityUpdates(_ *SubscribeRequest, stream grpc.ServerStream) error {
	return serve(s, stream, ConnectivitySpec)
}

// SubscribeToBlockUpdates implements UpdatesServer.
func (s *Server) SubscribeToBlockUpdates(_ *SubscribeRequest, stream grpc.ServerStream) error {
	return serve(s, stream, BlockSpec)
}

// serverSink adapts a grpc.ServerStream to a typed Sink.
type serverSink[W any] struct {
	grpc.ServerStream
}

func (s serverSink[W]) Send(msg W) error {
	return s.ServerStream.SendMsg(&msg)
}

func serve[W any](s *Server, stream grpc.ServerStream, spec Spec[W]) error {
	ctx := stream.Context()
	viewer := viewerFrom(ctx)
	if viewer == "" {
		return status.Error(codes.Unauthenticated, "missing "+UserAddressKey+" metadata")
	}
	if s.isDraining() {
		return status.Error(codes.Unavailable, "server is shutting down")
	}

	connID := uuid.NewString()
	logger := s.logger.With().Str("address", viewer).Str("conn_id", connID).Str("kind", string(spec.Kind)).Logger()
	if err := s.pool.Acquire(ctx, connID); err != nil {
		if errors.Is(err, admission.ErrAcquireTimeout) {
			return status.Error(codes.ResourceExhausted, err.Error())
		}
		return status.FromContextError(err).Err()
	}
	defer s.pool.Release(connID)

	s.opened(ctx, viewer)
	defer s.closed(ctx, viewer)
	s.metrics.StreamOpened(string(spec.Kind))
	defer s.metrics.StreamClosed(string(spec.Kind))

	logger.Debug().Msg("Update stream opened.")
	err := Deliver(ctx, s.registry, viewer, spec, serverSink[W]{stream})
	logger.Debug().Err(err).Msg("Update stream closed.")

	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrRegistryStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		if _, ok := status.FromError(err); ok {
			return err
		}
		return status.Error(codes.Internal, err.Error())
	}
}

func viewerFrom(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(UserAddressKey)
	if len(values) == 0 {
		return ""
	}
	return registry.Normalize(values[0])
}

func (s *Server) opened(ctx context.Context, address string) {
	s.mu.Lock()
	s.open[address]++
	first := s.open[address] == 1
	s.mu.Unlock()

	if first {
		s.announce(ctx, address, events.StatusOnline)
	}
}

// closed detaches the subscriber of address when its last stream ends. The
// detach is local and happens under the lock, so a stream opened right after
// gets a fresh subscriber; the presence cleanup runs in the registry.
func (s *Server) closed(ctx context.Context, address string) {
	s.mu.Lock()
	s.open[address]--
	last := s.open[address] <= 0
	if last {
		delete(s.open, address)
		s.registry.Detach(address)
	}
	draining := s.draining
	s.mu.Unlock()

	if last && !draining {
		s.announce(ctx, address, events.StatusOffline)
	}
}

func (s *Server) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// Drain rejects new streams and announces every address with an open
// stream OFFLINE. Call it before stopping the registry, which ends the open
// streams; their own OFFLINE announcements are skipped once draining.
func (s *Server) Drain(ctx context.Context) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	addresses := make([]string, 0, len(s.open))
	for address := range s.open {
		addresses = append(addresses, address)
	}
	s.mu.Unlock()

	for i, address := range addresses {
		if ctx.Err() != nil {
			s.logger.Warn().Err(ctx.Err()).Int("remaining", len(addresses)-i).Msg("Drain interrupted before every address was announced offline.")
			return
		}
		s.announce(ctx, address, events.StatusOffline)
	}
	s.logger.Info().Int("addresses", len(addresses)).Msg("Update streams drained.")
}

func (s *Server) announce(ctx context.Context, address string, st events.ConnectivityStatus) {
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
	defer cancel()
	if err := s.presence.NotifyConnectivity(ctx, address, st); err != nil {
		s.logger.Warn().Err(err).Str("address", address).Str("status", string(st)).Msg("Failed to announce connectivity.")
	}
}

// OpenStreams returns the number of open streams for address.
func (s *Server) OpenStreams(address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[registry.Normalize(address)]
}

func subscribeHandler(method func(UpdatesServer, *SubscribeRequest, grpc.ServerStream) error) grpc.StreamHandler {
	return func(srv any, stream grpc.ServerStream) error {
		req := new(SubscribeRequest)
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		return method(srv.(UpdatesServer), req, stream)
	}
}

// UpdatesServiceDesc describes socialgraph.v1.UpdatesService.
var UpdatesServiceDesc = grpc.ServiceDesc{
	ServiceName: "socialgraph.v1.UpdatesService",
	HandlerType: (*UpdatesServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeToFriendshipUpdates",
			Handler:       subscribeHandler(UpdatesServer.SubscribeToFriendshipUpdates),
			ServerStreams: true,
		},
		{
			StreamName:    "SubscribeToFriendConnectivityUpdates",
			Handler:       subscribeHandler(UpdatesServer.SubscribeToFriendConnectivityUpdates),
			ServerStreams: true,
		},
		{
			StreamName:    "SubscribeToBlockUpdates",
			Handler:       subscribeHandler(UpdatesServer.SubscribeToBlockUpdates),
			ServerStreams: true,
		},
	},
}

// RegisterUpdatesServer registers srv with a gRPC server.
func RegisterUpdatesServer(s grpc.ServiceRegistrar, srv UpdatesServer) {
	s.RegisterService(&UpdatesServiceDesc, srv)
}

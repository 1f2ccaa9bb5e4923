package stream

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// WithUserAddress attaches the viewer address to an outgoing context.
func WithUserAddress(ctx context.Context, address string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, UserAddressKey, address)
}

// Updates is a typed receive side of one update stream.
type Updates[W any] struct {
	cs grpc.ClientStream
}

// Recv blocks for the next message. It returns io.EOF when the server ends
// the stream.
func (u *Updates[W]) Recv() (W, error) {
	var msg W
	err := u.cs.RecvMsg(&msg)
	return msg, err
}

// Client calls socialgraph.v1.UpdatesService.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient creates a Client over conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// SubscribeToFriendshipUpdates opens a friendship update stream.
func (c *Client) SubscribeToFriendshipUpdates(ctx context.Context, opts ...grpc.CallOption) (*Updates[FriendshipUpdateMessage], error) {
	return subscribe[FriendshipUpdateMessage](ctx, c.conn, 0, opts)
}

// SubscribeToFriendConnectivityUpdates opens a connectivity update stream.
func (c *Client) SubscribeToFriendConnectivityUpdates(ctx context.Context, opts ...grpc.CallOption) (*Updates[ConnectivityUpdateMessage], error) {
	return subscribe[ConnectivityUpdateMessage](ctx, c.conn, 1, opts)
}

// SubscribeToBlockUpdates opens a block update stream.
func (c *Client) SubscribeToBlockUpdates(ctx context.Context, opts ...grpc.CallOption) (*Updates[BlockUpdateMessage], error) {
	return subscribe[BlockUpdateMessage](ctx, c.conn, 2, opts)
}

func subscribe[W any](ctx context.Context, conn grpc.ClientConnInterface, idx int, opts []grpc.CallOption) (*Updates[W], error) {
	desc := &UpdatesServiceDesc.Streams[idx]
	method := "/" + UpdatesServiceDesc.ServiceName + "/" + desc.StreamName
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)

	cs, err := conn.NewStream(ctx, desc, method, opts...)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(&SubscribeRequest{}); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &Updates[W]{cs: cs}, nil
}

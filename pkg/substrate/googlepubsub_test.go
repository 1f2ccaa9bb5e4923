package substrate_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-socialgraph/pkg/substrate"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// setupPubsubTest creates a Pub/Sub client backed by an in-process fake server.
func setupPubsubTest(t *testing.T, projectID string) *pubsub.Client {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGooglePubsubBroadcaster_FanOutToEveryInstance(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	client := setupPubsubTest(t, "test-project")

	newInstance := func(id string) *substrate.GooglePubsubBroadcaster {
		b, err := substrate.NewGooglePubsubBroadcaster(client, substrate.GooglePubsubConfig{
			InstanceID:    id,
			CreateTopics:  true,
			DeleteOnClose: true,
		}, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = b.Close() })
		return b
	}
	inst1, inst2 := newInstance("instance-1"), newInstance("instance-2")

	got1, got2 := &collector{}, &collector{}
	sub1, err := inst1.Subscribe(ctx, "social-updates", got1.handle)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub1.Close() })
	sub2, err := inst2.Subscribe(ctx, "social-updates", got2.handle)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub2.Close() })

	// Act
	require.NoError(t, inst1.Publish(ctx, "social-updates", []byte(`{"kind":"friendship"}`)))

	// Assert
	assert.Eventually(t, func() bool { return len(got1.received()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return len(got2.received()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.JSONEq(t, `{"kind":"friendship"}`, got2.received()[0])
}

func TestGooglePubsubBroadcaster_MissingTopic(t *testing.T) {
	ctx := context.Background()
	client := setupPubsubTest(t, "test-project-missing")

	b, err := substrate.NewGooglePubsubBroadcaster(client, substrate.GooglePubsubConfig{InstanceID: "i"}, zerolog.Nop())
	require.NoError(t, err)

	err = b.Publish(ctx, "absent", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestNewGooglePubsubBroadcaster_Validation(t *testing.T) {
	_, err := substrate.NewGooglePubsubBroadcaster(nil, substrate.GooglePubsubConfig{InstanceID: "i"}, zerolog.Nop())
	require.Error(t, err)

	client := setupPubsubTest(t, "test-project-validation")
	_, err = substrate.NewGooglePubsubBroadcaster(client, substrate.GooglePubsubConfig{}, zerolog.Nop())
	require.Error(t, err)
}

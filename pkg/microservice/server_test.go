package microservice_test

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/illmade-knight/go-socialgraph/pkg/microservice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestBaseServer(t *testing.T) {
	// Arrange
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_requests_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	server := microservice.NewBaseServer(zerolog.Nop(), ":0", reg)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Shutdown(context.Background()) })
	base := "http://localhost" + server.GetHTTPPort()

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(base + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(base + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "test_requests_total 1")
	})
}

func TestGRPCServer_Lifecycle(t *testing.T) {
	// Arrange
	server := microservice.NewGRPCServer(zerolog.Nop(), "localhost:0")
	healthpb.RegisterHealthServer(server.Server, health.NewServer())
	require.NoError(t, server.Start())

	conn, err := grpc.NewClient(server.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Act
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
	require.NoError(t, server.Shutdown(ctx))
}

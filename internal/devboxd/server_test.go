package devboxd

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	devboxv1 "github.com/antonkrylov/devbox/internal/api/devboxv1"
	"github.com/antonkrylov/devbox/internal/client"
	"github.com/antonkrylov/devbox/internal/control/devboxsvc"
)

func startServer(t *testing.T, cfg Config) (*Server, *grpc.ClientConn) {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Devbox = devboxsvc.Config{WorkspaceRoot: t.TempDir()}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))

	_, conn, err := client.DialDevboxService(srv.Addr().String(), client.DialInsecure)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		srv.Stop(time.Second)
	})
	return srv, conn
}

func TestHealthServing(t *testing.T) {
	_, conn := startServer(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitReady(ctx, conn))
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: devboxv1.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestRateLimitReturnsResourceExhausted(t *testing.T) {
	_, conn := startServer(t, Config{RateLimit: 0.001, RateBurst: 1})
	rpc := devboxv1.NewDevboxServiceClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := rpc.ListDevboxes(ctx, &devboxv1.ListDevboxesRequest{})
	require.NoError(t, err)
	_, err = rpc.ListDevboxes(ctx, &devboxv1.ListDevboxesRequest{})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestStopIsIdempotent(t *testing.T) {
	srv, conn := startServer(t, Config{})
	rpc := devboxv1.NewDevboxServiceClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := rpc.ListDevboxes(ctx, &devboxv1.ListDevboxesRequest{})
	require.NoError(t, err)

	srv.Stop(time.Second)
	srv.Stop(time.Second)
	require.NoError(t, srv.Wait())
}

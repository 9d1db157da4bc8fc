package client

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	devboxv1 "github.com/antonkrylov/devbox/internal/api/devboxv1"
)

type DialSecurityMode int

const (
	DialInsecure DialSecurityMode = iota
	DialTLS
)

// DialOptions returns the transport options every control-plane connection uses.
func DialOptions(mode DialSecurityMode) []grpc.DialOption {
	var creds credentials.TransportCredentials
	switch mode {
	case DialTLS:
		creds = credentials.NewClientTLSFromCert(nil, "")
	default:
		creds = insecure.NewCredentials()
	}
	return []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			// Servers enforce a MinTime; aggressive pings get GOAWAY "too_many_pings".
			Time:                5 * time.Minute,
			Timeout:             20 * time.Second,
			PermitWithoutStream: false,
		}),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  250 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   5 * time.Second,
			},
			MinConnectTimeout: 10 * time.Second,
		}),
	}
}

// DialDevboxService opens a connection to the control plane. The connection
// is lazy; the first RPC establishes it.
func DialDevboxService(addr string, mode DialSecurityMode, dialOptions ...grpc.DialOption) (devboxv1.DevboxServiceClient, *grpc.ClientConn, error) {
	opts := append(DialOptions(mode), dialOptions...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return devboxv1.NewDevboxServiceClient(conn), conn, nil
}

// WaitReady blocks until the connection is ready or ctx ends.
func WaitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

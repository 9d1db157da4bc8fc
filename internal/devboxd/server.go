// Package devboxd assembles the reference control plane: store, devbox
// service and the gRPC server that exposes it.
package devboxd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	devboxv1 "github.com/antonkrylov/devbox/internal/api/devboxv1"
	"github.com/antonkrylov/devbox/internal/control/devboxsvc"
	"github.com/antonkrylov/devbox/internal/control/store"
)

type Config struct {
	ListenAddr string
	Devbox     devboxsvc.Config
	// JetStream enables the durable event mirror when set.
	JetStream *store.JetStreamOptions

	// RateLimit is requests per second across the server; zero disables it.
	RateLimit float64
	RateBurst int

	Version string
	Logger  *slog.Logger
}

type Server struct {
	cfg Config

	store      *store.Store
	service    *devboxsvc.Service
	health     *health.Server
	grpcServer *grpc.Server
	listener   net.Listener
	serveErr   chan error
	stopOnce   sync.Once
}

// New opens the store, replaying the event mirror when configured, and
// recovers devboxes left over from a previous run.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:50051"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = max(1, int(cfg.RateLimit))
	}

	st, err := store.New(ctx, &store.Options{Logger: cfg.Logger, JetStream: cfg.JetStream})
	if err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}
	svc := devboxsvc.New(st, cfg.Devbox, cfg.Logger)
	svc.Recover()

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	s := &Server{
		cfg:     cfg,
		store:   st,
		service: svc,
		health:  health.NewServer(),
	}
	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second,
			Timeout: 20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             20 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(rateLimitUnary(limiter), logUnary(cfg.Logger)),
		grpc.ChainStreamInterceptor(rateLimitStream(limiter)),
	)
	devboxv1.RegisterDevboxServiceServer(s.grpcServer, svc)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)
	return s, nil
}

// Start listens and serves in the background until ctx ends or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve is Start on a caller-provided listener.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.listener = lis
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(devboxv1.ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.serveErr = make(chan error, 1)

	go func() {
		<-ctx.Done()
		s.Stop(5 * time.Second)
	}()
	go func() {
		s.serveErr <- s.grpcServer.Serve(lis)
	}()
	s.cfg.Logger.Info("devboxd ready", "addr", lis.Addr().String(), "version", s.cfg.Version)
	return nil
}

// Wait blocks until the gRPC server stops serving.
func (s *Server) Wait() error {
	if s.serveErr == nil {
		return nil
	}
	return <-s.serveErr
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop drains in-flight calls for up to timeout, then stops devbox processes
// and closes the store. It is safe to call more than once.
func (s *Server) Stop(timeout time.Duration) {
	s.stopOnce.Do(func() { s.stop(timeout) })
}

func (s *Server) stop(timeout time.Duration) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.grpcServer.Stop()
	}
	s.service.Close()
	s.store.Close()
}

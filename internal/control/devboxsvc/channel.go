package devboxsvc

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	devboxv1 "github.com/antonkrylov/devbox/internal/api/devboxv1"
)

const channelReadSize = 32 * 1024

// OpenChannel connects the stream to a TCP port of a running devbox. The
// first client frame must be a hello; the server answers with its own hello
// once the port is connected, then relays data until both sides are done.
func (s *Service) OpenChannel(stream devboxv1.DevboxService_OpenChannelServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	hello := first.Hello
	if hello == nil {
		return status.Error(codes.InvalidArgument, "first frame must be a hello")
	}
	if hello.Port <= 0 || hello.Port > 65535 {
		return status.Errorf(codes.InvalidArgument, "invalid port %d", hello.Port)
	}
	if !devboxv1.SupportedCompression(hello.Compression) {
		return status.Errorf(codes.InvalidArgument, "unsupported compression %q", hello.Compression)
	}
	if _, err := s.requireRunning(hello.DevboxID); err != nil {
		return err
	}
	rt, ok := s.runtime(hello.DevboxID)
	if !ok {
		return status.Errorf(codes.FailedPrecondition, "devbox %s is not running", hello.DevboxID)
	}
	release := s.hold(hello.DevboxID)
	defer release()
	logger := s.logger.With("devbox", hello.DevboxID, "port", hello.Port)

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	stopOnDevbox := context.AfterFunc(rt.ctx, cancel)
	defer stopOnDevbox()

	dialCtx, cancelDial := context.WithTimeout(ctx, s.cfg.DialTimeout)
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(s.cfg.ChannelHost, strconv.Itoa(hello.Port)))
	cancelDial()
	if err != nil {
		logger.Debug("channel dial failed", "err", err)
		return status.Errorf(codes.Unavailable, "devbox %s port %d: %v", hello.DevboxID, hello.Port, err)
	}
	defer conn.Close()

	fc, err := devboxv1.NewFrameCodec(hello.Compression)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	defer fc.Close()

	if err := stream.Send(&devboxv1.ChannelFrame{Hello: &devboxv1.ChannelHello{
		DevboxID:    hello.DevboxID,
		Port:        hello.Port,
		Compression: hello.Compression,
	}}); err != nil {
		return err
	}
	logger.Debug("channel open")

	g, gctx := errgroup.WithContext(ctx)
	stopConn := context.AfterFunc(gctx, func() { _ = conn.Close() })
	defer stopConn()

	g.Go(func() error {
		buf := make([]byte, channelReadSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if serr := stream.Send(&devboxv1.ChannelFrame{Data: fc.Encode(buf[:n])}); serr != nil {
					return serr
				}
			}
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return stream.Send(&devboxv1.ChannelFrame{EOF: true})
			}
		}
	})
	g.Go(func() error {
		for {
			frame, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				closeWrite(conn)
				return nil
			}
			if err != nil {
				return err
			}
			if len(frame.Data) > 0 {
				data, err := fc.Decode(frame.Data)
				if err != nil {
					return status.Errorf(codes.InvalidArgument, "decode frame: %v", err)
				}
				if _, err := conn.Write(data); err != nil {
					return err
				}
			}
			if frame.EOF {
				closeWrite(conn)
				return nil
			}
		}
	})

	err = g.Wait()
	if rt.ctx.Err() != nil {
		return status.Errorf(codes.FailedPrecondition, "devbox %s stopped", hello.DevboxID)
	}
	logger.Debug("channel closed", "err", err)
	return err
}

func closeWrite(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
		return
	}
	_ = conn.Close()
}

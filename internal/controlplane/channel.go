package controlplane

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	devboxv1 "github.com/antonkrylov/devbox/internal/api/devboxv1"
	"github.com/antonkrylov/devbox/internal/devbox"
)

// OpenRemoteChannel opens a byte stream to remotePort inside the devbox. It
// returns once the control plane has connected the port.
func (c *Client) OpenRemoteChannel(ctx context.Context, devboxID string, remotePort int) (io.ReadWriteCloser, error) {
	const op = "open channel"
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := c.rpc.OpenChannel(streamCtx)
	if err != nil {
		cancel()
		return nil, classify(ctx, op, devboxID, err)
	}
	hello := &devboxv1.ChannelHello{DevboxID: devboxID, Port: remotePort, Compression: c.opts.Compression}
	if err := stream.Send(&devboxv1.ChannelFrame{Hello: hello}); err != nil && !errors.Is(err, io.EOF) {
		cancel()
		return nil, classify(ctx, op, devboxID, err)
	}
	// A rejected hello surfaces on Recv with the server's status.
	ack, err := stream.Recv()
	if err != nil {
		cancel()
		return nil, classify(ctx, op, devboxID, err)
	}
	if ack.Hello == nil {
		cancel()
		return nil, devbox.Errorf(devbox.KindPermanent, op, devboxID, "server did not acknowledge channel")
	}
	fc, err := devboxv1.NewFrameCodec(ack.Hello.Compression)
	if err != nil {
		cancel()
		return nil, devbox.E(devbox.KindPermanent, op, devboxID, err)
	}
	c.logger.Debug("channel open", "devbox", devboxID, "port", remotePort, "compression", ack.Hello.Compression)
	return &channelConn{stream: stream, cancel: cancel, codec: fc}, nil
}

// channelConn adapts an OpenChannel stream to io.ReadWriteCloser. One
// goroutine may Read while another Writes.
type channelConn struct {
	stream devboxv1.DevboxService_OpenChannelClient
	cancel context.CancelFunc
	codec  *devboxv1.FrameCodec

	readMu  sync.Mutex
	pending []byte
	readEOF bool

	sendMu    sync.Mutex
	writeDone bool

	closed    atomic.Bool
	closeOnce sync.Once
}

func (c *channelConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for len(c.pending) == 0 {
		if c.readEOF {
			return 0, io.EOF
		}
		if c.closed.Load() {
			return 0, net.ErrClosed
		}
		frame, err := c.stream.Recv()
		if err != nil {
			if c.closed.Load() {
				return 0, net.ErrClosed
			}
			return 0, err
		}
		if len(frame.Data) > 0 {
			data, err := c.codec.Decode(frame.Data)
			if err != nil {
				return 0, err
			}
			c.pending = data
		}
		if frame.EOF {
			c.readEOF = true
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *channelConn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed.Load() || c.writeDone {
		return 0, net.ErrClosed
	}
	if err := c.stream.Send(&devboxv1.ChannelFrame{Data: c.codec.Encode(p)}); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.ErrClosedPipe
		}
		return 0, err
	}
	return len(p), nil
}

// CloseWrite tells the remote side no more data follows while still allowing
// reads.
func (c *channelConn) CloseWrite() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed.Load() || c.writeDone {
		return nil
	}
	c.writeDone = true
	if err := c.stream.Send(&devboxv1.ChannelFrame{EOF: true}); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return c.stream.CloseSend()
}

func (c *channelConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		// Cancelling first unblocks a Send stuck on flow control.
		c.cancel()
		c.sendMu.Lock()
		if !c.writeDone {
			c.writeDone = true
			_ = c.stream.CloseSend()
		}
		c.sendMu.Unlock()
		c.readMu.Lock()
		c.codec.Close()
		c.readMu.Unlock()
	})
	return nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/wonton/retry"
	"golang.org/x/sync/errgroup"

	"github.com/antonkrylov/devbox/internal/devbox"
)

// DefaultChannelAttempts bounds how often a Transient channel-open failure is
// retried before the local connection is dropped.
const DefaultChannelAttempts = 3

// Waits between channel-open attempts.
const (
	DefaultChannelBaseWait = 250 * time.Millisecond
	DefaultChannelMaxWait  = 2 * time.Second
)

// TunnelManager forwards local TCP connections into devboxes.
type TunnelManager struct {
	cp     ControlPlane
	logger *slog.Logger

	// ListenHost is the local interface to bind; defaults to loopback.
	ListenHost      string
	ChannelAttempts int
	ChannelBaseWait time.Duration
	ChannelMaxWait  time.Duration
}

// NewTunnelManager returns a manager binding 127.0.0.1.
func NewTunnelManager(cp ControlPlane, logger *slog.Logger) *TunnelManager {
	return &TunnelManager{
		cp:              cp,
		logger:          loggerOrDiscard(logger),
		ListenHost:      "127.0.0.1",
		ChannelAttempts: DefaultChannelAttempts,
		ChannelBaseWait: DefaultChannelBaseWait,
		ChannelMaxWait:  DefaultChannelMaxWait,
	}
}

// OpenTunnel binds localPort and forwards every accepted connection to
// remotePort inside the devbox. It blocks until ctx is done (Cancelled) or the
// devbox can no longer be reached (TunnelLost). A busy local port fails with
// PortInUse before anything is sent to the control plane.
func (m *TunnelManager) OpenTunnel(ctx context.Context, devboxID string, localPort, remotePort int) error {
	t, err := m.Open(devboxID, localPort, remotePort)
	if err != nil {
		return err
	}
	return t.Serve(ctx)
}

// Open binds the local listener without serving it. The caller must either
// Serve or Close the returned tunnel.
func (m *TunnelManager) Open(devboxID string, localPort, remotePort int) (*Tunnel, error) {
	const op = "open tunnel"
	if localPort < 0 || localPort > 65535 {
		return nil, devbox.Errorf(devbox.KindPermanent, op, devboxID, "invalid local port %d", localPort)
	}
	if remotePort <= 0 || remotePort > 65535 {
		return nil, devbox.Errorf(devbox.KindPermanent, op, devboxID, "invalid remote port %d", remotePort)
	}
	host := m.ListenHost
	if host == "" {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(localPort)))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, devbox.E(devbox.KindPortInUse, op, devboxID, err)
		}
		return nil, devbox.E(devbox.KindPermanent, op, devboxID, err)
	}
	t := &Tunnel{
		m:          m,
		devboxID:   devboxID,
		remotePort: remotePort,
		ln:         ln,
		logger:     m.logger.With("devbox", devboxID, "local", ln.Addr().String(), "remote_port", remotePort),
	}
	t.state.Store(string(devbox.TunnelConnecting))
	return t, nil
}

// Tunnel is one bound local listener forwarding to a devbox port.
type Tunnel struct {
	m          *TunnelManager
	devboxID   string
	remotePort int
	ln         net.Listener
	logger     *slog.Logger

	state     atomic.Value
	active    atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

// Addr is the bound local address; useful when the local port was 0.
func (t *Tunnel) Addr() net.Addr { return t.ln.Addr() }

// ActiveConnections reports the number of connections currently spliced.
func (t *Tunnel) ActiveConnections() int64 { return t.active.Load() }

// Info returns a snapshot of the tunnel.
func (t *Tunnel) Info() devbox.Tunnel {
	local := 0
	if addr, ok := t.ln.Addr().(*net.TCPAddr); ok {
		local = addr.Port
	}
	return devbox.Tunnel{
		DevboxID:   t.devboxID,
		LocalPort:  local,
		RemotePort: t.remotePort,
		State:      devbox.TunnelState(t.state.Load().(string)),
	}
}

// Close releases the listener. A running Serve returns Cancelled.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		t.state.Store(string(devbox.TunnelClosed))
		t.closeErr = t.ln.Close()
	})
	return t.closeErr
}

// Serve runs the accept loop. Each connection gets its own remote channel and
// runs in the same errgroup, so every socket is closed before Serve returns.
func (t *Tunnel) Serve(ctx context.Context) error {
	const op = "tunnel"
	defer t.Close()
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.state.CompareAndSwap(string(devbox.TunnelConnecting), string(devbox.TunnelActive))
	t.logger.Info("tunnel active")

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = t.ln.Close() })
	defer stop()

	g.Go(func() error {
		defer cancel()
		var connID int64
		for {
			conn, err := t.ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				t.logger.Warn("accept failed", "err", err)
				if sleepCtx(gctx, 50*time.Millisecond) != nil {
					return nil
				}
				continue
			}
			connID++
			id := connID
			g.Go(func() error {
				return t.handle(gctx, conn, id)
			})
		}
	})

	err := g.Wait()
	t.logger.Info("tunnel closed")
	if err != nil {
		return err
	}
	if perr := parent.Err(); perr != nil {
		return devbox.E(devbox.KindCancelled, op, t.devboxID, perr)
	}
	return devbox.E(devbox.KindCancelled, op, t.devboxID, net.ErrClosed)
}

// handle splices one local connection. Only a failure to reach the devbox at
// all is returned; everything else stays local to this connection.
func (t *Tunnel) handle(ctx context.Context, local net.Conn, connID int64) error {
	logger := t.logger.With("conn", connID, "client", local.RemoteAddr().String())
	defer local.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopLocal := context.AfterFunc(connCtx, func() { _ = local.Close() })
	defer stopLocal()

	remote, err := t.dialRemote(connCtx, logger)
	if err != nil {
		if connCtx.Err() != nil {
			return nil
		}
		if devbox.IsTransient(err) {
			logger.Warn("remote channel unavailable, dropping connection", "err", err)
			return nil
		}
		logger.Error("remote side lost", "err", err)
		return devbox.E(devbox.KindTunnelLost, "tunnel", t.devboxID, err)
	}
	stopRemote := context.AfterFunc(connCtx, func() { _ = remote.Close() })
	defer stopRemote()

	t.active.Add(1)
	defer t.active.Add(-1)
	logger.Debug("connection forwarded")
	sent, received, err := splice(local, remote)
	if err != nil {
		logger.Debug("connection ended with error", "sent", sent, "received", received, "err", err)
		return nil
	}
	logger.Debug("connection closed", "sent", sent, "received", received)
	return nil
}

// dialRemote opens the remote channel, retrying Transient failures only.
func (t *Tunnel) dialRemote(ctx context.Context, logger *slog.Logger) (io.ReadWriteCloser, error) {
	attempts := t.m.ChannelAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var (
		ch      io.ReadWriteCloser
		lastErr error
		tries   int
	)
	err := retry.DoSimple(ctx, func() error {
		tries++
		c, err := t.m.cp.OpenRemoteChannel(ctx, t.devboxID, t.remotePort)
		if err != nil {
			lastErr = err
			logger.Debug("remote channel attempt failed", "attempt", tries, "err", err)
			if !devbox.IsTransient(err) {
				return retry.MarkPermanent(err)
			}
			return err
		}
		ch = c
		return nil
	}, retry.WithMaxAttempts(attempts), retry.WithBackoff(t.m.ChannelBaseWait, t.m.ChannelMaxWait))
	if err == nil && ch != nil {
		return ch, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if lastErr == nil {
		lastErr = err
	}
	if !devbox.IsTransient(lastErr) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("after %d attempts: %w", tries, lastErr)
}

// splice copies both ways until one direction finishes, then closes both ends
// so the other copy unblocks. The returned error is nil for ordinary closes.
func splice(local net.Conn, remote io.ReadWriteCloser) (sent, received int64, err error) {
	type result struct {
		upstream bool
		n        int64
		err      error
	}
	done := make(chan result, 2)
	go func() {
		n, err := io.Copy(remote, local)
		done <- result{upstream: true, n: n, err: err}
	}()
	go func() {
		n, err := io.Copy(local, remote)
		done <- result{n: n, err: err}
	}()

	first := <-done
	_ = local.Close()
	_ = remote.Close()
	second := <-done

	for _, r := range []result{first, second} {
		if r.upstream {
			sent = r.n
		} else {
			received = r.n
		}
	}
	if first.err != nil && !isExpectedClose(first.err) {
		return sent, received, first.err
	}
	return sent, received, nil
}

// isExpectedClose reports whether err is ordinary connection teardown.
func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

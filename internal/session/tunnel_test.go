package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/devbox/internal/devbox"
)

// startEcho runs a line echo server standing in for a port inside the devbox.
func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

type served struct {
	tunnel *Tunnel
	cancel context.CancelFunc
	done   chan error
}

func serveTunnel(t *testing.T, m *TunnelManager) *served {
	t.Helper()
	tun, err := m.Open("dbx_1", 0, 8080)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	s := &served{tunnel: tun, cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- tun.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
		}
	})
	return s
}

func (s *served) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel did not stop")
		return nil
	}
}

func roundTrip(t *testing.T, conn net.Conn, r *bufio.Reader, msg string) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := io.WriteString(conn, msg+"\n")
	require.NoError(t, err)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, msg+"\n", line)
}

func TestTunnelPortInUseOpensNoChannel(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	cp := newFake(devbox.StatusRunning)
	err = NewTunnelManager(cp, nil).OpenTunnel(context.Background(), "dbx_1", port, 8080)
	require.Error(t, err)
	assert.True(t, errors.Is(err, devbox.ErrPortInUse))
	_, _, _, _, channels := cp.counts()
	assert.Zero(t, channels)
}

func TestTunnelRejectsBadPorts(t *testing.T) {
	m := NewTunnelManager(newFake(devbox.StatusRunning), nil)
	_, err := m.Open("dbx_1", 0, 0)
	assert.Equal(t, devbox.KindPermanent, devbox.KindOf(err))
	_, err = m.Open("dbx_1", 70000, 80)
	assert.Equal(t, devbox.KindPermanent, devbox.KindOf(err))
}

func TestTunnelConcurrentConnectionsAreIndependent(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.backend = startEcho(t)
	s := serveTunnel(t, NewTunnelManager(cp, nil))
	addr := s.tunnel.Addr().String()

	a, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer a.Close()
	b, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer b.Close()
	ra, rb := bufio.NewReader(a), bufio.NewReader(b)

	roundTrip(t, a, ra, "hello from a")
	roundTrip(t, b, rb, "hello from b")
	roundTrip(t, a, ra, "again a")

	require.NoError(t, a.Close())
	roundTrip(t, b, rb, "b still works")

	assert.Equal(t, devbox.TunnelActive, s.tunnel.Info().State)
	_, _, _, _, channels := cp.counts()
	assert.Equal(t, 2, channels)

	s.cancel()
	err = s.wait(t)
	assert.True(t, errors.Is(err, devbox.ErrCancelled))
	assert.Equal(t, devbox.TunnelClosed, s.tunnel.Info().State)

	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = rb.ReadByte()
	assert.Error(t, err)
}

func TestTunnelRetriesTransientChannelFailures(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	cp.backend = startEcho(t)
	cp.channelErr = []error{
		devbox.Errorf(devbox.KindTransient, "open channel", "dbx_1", "unavailable"),
		devbox.Errorf(devbox.KindTransient, "open channel", "dbx_1", "unavailable"),
	}
	m := NewTunnelManager(cp, nil)
	m.ChannelBaseWait = time.Millisecond
	m.ChannelMaxWait = 5 * time.Millisecond
	s := serveTunnel(t, m)

	conn, err := net.Dial("tcp", s.tunnel.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	roundTrip(t, conn, bufio.NewReader(conn), "through")
	_, _, _, _, channels := cp.counts()
	assert.Equal(t, 3, channels)
}

func TestTunnelLostWhenDevboxGone(t *testing.T) {
	cp := newFake(devbox.StatusShutdown)
	cp.channelErr = []error{devbox.Errorf(devbox.KindPermanent, "open channel", "dbx_1", "devbox is shutdown")}
	s := serveTunnel(t, NewTunnelManager(cp, nil))

	conn, err := net.Dial("tcp", s.tunnel.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	err = s.wait(t)
	assert.True(t, errors.Is(err, devbox.ErrTunnelLost))
	assert.True(t, errors.Is(err, devbox.ErrPermanent))
	_, _, _, _, channels := cp.counts()
	assert.Equal(t, 1, channels, "permanent failures are not retried")
}

func TestTunnelRemoteCloseClosesLocal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		line, _ := bufio.NewReader(conn).ReadString('\n')
		_, _ = io.WriteString(conn, "bye "+line)
		_ = conn.Close()
	}()

	cp := newFake(devbox.StatusRunning)
	cp.backend = ln.Addr().String()
	s := serveTunnel(t, NewTunnelManager(cp, nil))

	conn, err := net.Dial("tcp", s.tunnel.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = io.WriteString(conn, "hi\n")
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "bye hi\n", line)
	_, err = r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)

	require.Eventually(t, func() bool { return s.tunnel.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, devbox.TunnelActive, s.tunnel.Info().State)
}

func TestTunnelCloseStopsServe(t *testing.T) {
	cp := newFake(devbox.StatusRunning)
	s := serveTunnel(t, NewTunnelManager(cp, nil))
	port := s.tunnel.Info().LocalPort
	require.NotZero(t, port)

	require.NoError(t, s.tunnel.Close())
	err := s.wait(t)
	assert.Equal(t, devbox.KindCancelled, devbox.KindOf(err))

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	_ = ln.Close()
}

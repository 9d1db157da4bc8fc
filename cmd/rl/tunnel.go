package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/devbox/internal/devbox"
)

// parsePortPair reads "<local>:<remote>"; a lone port forwards to the same
// port remotely.
func parsePortPair(v string) (local, remote int, err error) {
	l, r, found := strings.Cut(strings.TrimSpace(v), ":")
	if !found {
		r = l
	}
	if local, err = parsePort(l, true); err != nil {
		return 0, 0, err
	}
	if remote, err = parsePort(r, false); err != nil {
		return 0, 0, err
	}
	return local, remote, nil
}

func parsePort(v string, allowZero bool) (int, error) {
	p, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", v)
	}
	if p < 0 || p > 65535 || (p == 0 && !allowZero) {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}

func newTunnelCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tunnel <devbox-id> <local-port>:<remote-port>",
		Short: "Forward a local port into a devbox until interrupted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, remote, err := parsePortPair(args[1])
			if err != nil {
				return err
			}
			sess, _, conn, err := root.session()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			t, err := sess.Tunnels.Open(args[0], local, remote)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "forwarding %s -> %s:%d (ctrl-c to stop)\n", t.Addr(), args[0], remote)
			err = t.Serve(ctx)
			if errors.Is(err, devbox.ErrCancelled) {
				return nil
			}
			return err
		},
	}
}

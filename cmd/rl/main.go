package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"google.golang.org/grpc"

	cliconfig "github.com/antonkrylov/devbox/internal/cli/config"
	"github.com/antonkrylov/devbox/internal/client"
	"github.com/antonkrylov/devbox/internal/controlplane"
	"github.com/antonkrylov/devbox/internal/devbox"
	"github.com/antonkrylov/devbox/internal/session"
)

type rootOptions struct {
	apiAddr     string
	timeout     time.Duration
	configPath  string
	contextName string
	compression string
	verbose     bool

	conn   *client.Connection
	logger *slog.Logger
}

func (r *rootOptions) prepare() error {
	resolved, err := client.ResolveConnection(r.configPath, r.contextName, r.apiAddr, r.timeout)
	if err != nil {
		return err
	}
	if r.compression != "" {
		resolved.Compression = r.compression
	}
	r.conn = resolved
	r.apiAddr = resolved.APIAddr
	r.timeout = resolved.Timeout
	r.logger = newLogger(os.Stderr, r.verbose)
	return nil
}

// dial returns a control-plane client; the caller closes the connection.
func (r *rootOptions) dial() (*controlplane.Client, *grpc.ClientConn, error) {
	rpc, conn, err := client.DialDevboxService(r.conn.APIAddr, r.conn.SecurityMode())
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", r.conn.APIAddr, err)
	}
	cp := controlplane.New(rpc, controlplane.Options{
		Compression: r.conn.Compression,
		Logger:      r.logger,
	})
	return cp, conn, nil
}

// session wires the session core to a fresh connection.
func (r *rootOptions) session() (*session.Session, *controlplane.Client, *grpc.ClientConn, error) {
	cp, conn, err := r.dial()
	if err != nil {
		return nil, nil, nil, err
	}
	return session.New(cp, r.logger), cp, conn, nil
}

// callContext bounds a single RPC by the configured timeout.
func (r *rootOptions) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

// newLogger uses tint on a terminal and plain text otherwise.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return slog.New(tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.TimeOnly}))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "rl",
		Short:         "CLI for devbox control planes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultConfig := os.Getenv("DEVBOX_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", defaultConfig, "path to rl config file (default $HOME/.devbox/config)")
	flags.StringVar(&opts.contextName, "context", "", "context name within the config (overrides currentContext)")
	flags.StringVar(&opts.apiAddr, "api-addr", "", "control plane gRPC endpoint (overrides config)")
	flags.DurationVar(&opts.timeout, "timeout", 0, "per-call timeout; defaults to config or 15s")
	flags.StringVar(&opts.compression, "compression", "", "tunnel channel compression: zstd or empty")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		for c := cmd; c != nil; c = c.Parent() {
			if c.Name() == "config" {
				return nil
			}
		}
		return opts.prepare()
	}

	rootCmd.AddCommand(newDevboxCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode distinguishes timeouts and interrupts from other failures.
func exitCode(err error) int {
	var ee *execFailedError
	switch {
	case errors.As(err, &ee):
		return ee.code
	case errors.Is(err, devbox.ErrDeadlineExceeded), errors.Is(err, devbox.ErrExecutionTimeout):
		return 124
	case errors.Is(err, devbox.ErrCancelled):
		return 130
	default:
		return 1
	}
}

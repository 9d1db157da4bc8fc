package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/antonkrylov/devbox/internal/control/devboxsvc"
	"github.com/antonkrylov/devbox/internal/control/store"
	"github.com/antonkrylov/devbox/internal/devboxd"
)

var version = "dev"

func main() {
	var (
		listenAddr      = flag.String("listen", "127.0.0.1:50051", "gRPC listen address (DEVBOXD_LISTEN)")
		workspaceRoot   = flag.String("workspace-root", "", "directory holding devbox workspaces (DEVBOXD_WORKSPACE_ROOT)")
		shell           = flag.String("shell", "", "shell used for commands (default /bin/sh)")
		provisionDelay  = flag.Duration("provision-delay", 500*time.Millisecond, "time a new devbox spends provisioning")
		transitionDelay = flag.Duration("transition-delay", 500*time.Millisecond, "time spent suspending and resuming")
		channelHost     = flag.String("channel-host", "127.0.0.1", "host that tunnel channels dial")
		rateLimit       = flag.Float64("rate-limit", 0, "max requests per second, 0 disables")
		rateBurst       = flag.Int("rate-burst", 0, "rate limiter burst")
		logJSON         = flag.Bool("log-json", false, "emit logs as JSON")
		logLevel        = flag.String("log-level", "info", "log level: debug, info, warn, error")
		enableJetStream = flag.Bool("enable-jetstream", false, "persist devboxes/logs to NATS JetStream")
		natsURL         = flag.String("nats-url", "", "NATS connection URL (DEVBOXD_NATS_URL)")
		natsUser        = flag.String("nats-user", "", "NATS username (DEVBOXD_NATS_USER)")
		natsPass        = flag.String("nats-pass", "", "NATS password (DEVBOXD_NATS_PASS)")
		natsEventsPref  = flag.String("nats-events-prefix", "devbox", "NATS subject prefix for events")
		natsStateStream = flag.String("nats-state-stream", "devbox_state", "JetStream stream for devbox and execution snapshots")
		natsLogsStream  = flag.String("nats-logs-stream", "devbox_logs", "JetStream stream for log entries")
		showVersion     = flag.Bool("version", false, "print version and exit")
	)

	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "Usage:\n  %s [flags]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	level, err := parseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := slog.New(logHandler(os.Stderr, level, *logJSON))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	applyEnvFallback(listenAddr, "DEVBOXD_LISTEN")
	applyEnvFallback(workspaceRoot, "DEVBOXD_WORKSPACE_ROOT")
	applyEnvFallback(natsURL, "DEVBOXD_NATS_URL")
	applyEnvFallback(natsUser, "DEVBOXD_NATS_USER")
	applyEnvFallback(natsPass, "DEVBOXD_NATS_PASS")

	cfg := devboxd.Config{
		ListenAddr: *listenAddr,
		Devbox: devboxsvc.Config{
			WorkspaceRoot:   *workspaceRoot,
			Shell:           *shell,
			ProvisionDelay:  *provisionDelay,
			TransitionDelay: *transitionDelay,
			ChannelHost:     *channelHost,
		},
		RateLimit: *rateLimit,
		RateBurst: *rateBurst,
		Version:   version,
		Logger:    logger,
	}
	if *enableJetStream {
		if *natsURL == "" {
			logger.Error("enable-jetstream requires --nats-url or DEVBOXD_NATS_URL")
			os.Exit(1)
		}
		cfg.JetStream = &store.JetStreamOptions{
			URL:          *natsURL,
			User:         *natsUser,
			Password:     *natsPass,
			EventsPrefix: *natsEventsPref,
			StateStream:  *natsStateStream,
			LogsStream:   *natsLogsStream,
		}
	}

	srv, err := devboxd.New(ctx, cfg)
	if err != nil {
		logger.Error("devboxd init", "err", err)
		os.Exit(1)
	}
	if err := srv.Start(ctx); err != nil {
		logger.Error("listen", "err", err)
		srv.Stop(0)
		os.Exit(1)
	}
	serveErr := srv.Wait()
	srv.Stop(5 * time.Second)
	if serveErr != nil {
		logger.Error("grpc serve", "err", serveErr)
		os.Exit(1)
	}
	logger.Info("devboxd stopped")
}

func applyEnvFallback(target *string, envKey string) {
	if target == nil {
		return
	}
	if flagSet(envFlagName(envKey)) {
		return
	}
	if val := os.Getenv(envKey); val != "" {
		*target = val
	}
}

// envFlagName maps DEVBOXD_NATS_URL to nats-url.
func envFlagName(envKey string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(envKey, "DEVBOXD_")), "_", "-")
}

func flagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// logHandler picks JSON when asked, colored output on a terminal and plain
// text otherwise.
func logHandler(f *os.File, level slog.Level, asJSON bool) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	switch {
	case asJSON:
		return slog.NewJSONHandler(f, opts)
	case term.IsTerminal(int(f.Fd())):
		return tint.NewHandler(f, &tint.Options{Level: level, TimeFormat: time.DateTime})
	default:
		return slog.NewTextHandler(f, opts)
	}
}

func parseLevel(v string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("invalid -log-level %q", v)
	}
	return level, nil
}

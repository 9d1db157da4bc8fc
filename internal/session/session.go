// Package session drives devboxes through the control plane: it waits for
// lifecycle states, runs commands, follows logs and forwards local ports.
//
// Every component here is a function of (devbox id, remote state); none of
// them keep state across devboxes or between calls.
package session

import (
	"context"
	"io"
	"log/slog"

	"github.com/antonkrylov/devbox/internal/devbox"
)

// ControlPlane is the RPC surface the session core consumes. Implementations
// must return *devbox.Error values classified as Transient, NotFound or
// Permanent; anything unclassified is treated as Permanent.
type ControlPlane interface {
	GetDevbox(ctx context.Context, id string) (*devbox.Devbox, error)
	StartExecution(ctx context.Context, devboxID, command string, attachStdin bool) (*devbox.Execution, error)
	GetExecution(ctx context.Context, devboxID, executionID string) (*devbox.Execution, error)
	SendStdin(ctx context.Context, devboxID, executionID string, in devbox.StdinInput) (*devbox.Execution, error)
	GetLogs(ctx context.Context, devboxID string, afterSequence int64) ([]devbox.LogEntry, error)
	OpenRemoteChannel(ctx context.Context, devboxID string, remotePort int) (io.ReadWriteCloser, error)
}

// Session bundles the four session components over one control plane.
type Session struct {
	Lifecycle *LifecyclePoller
	Exec      *ExecutionCoordinator
	Logs      *LogStreamer
	Tunnels   *TunnelManager
}

// New wires every component to cp with default tuning.
func New(cp ControlPlane, logger *slog.Logger) *Session {
	if logger == nil {
		logger = discardLogger
	}
	return &Session{
		Lifecycle: NewLifecyclePoller(cp, logger),
		Exec:      NewExecutionCoordinator(cp, logger),
		Logs:      NewLogStreamer(cp, logger),
		Tunnels:   NewTunnelManager(cp, logger),
	}
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func loggerOrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return discardLogger
	}
	return l
}

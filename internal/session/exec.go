package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/antonkrylov/devbox/internal/devbox"
)

// ExecutionCoordinator starts commands inside devboxes and tracks them to
// completion. It keeps nothing between calls; the caller owns the execution ids.
type ExecutionCoordinator struct {
	cp     ControlPlane
	logger *slog.Logger

	Backoff             Backoff
	MaxTransientRetries int
}

// NewExecutionCoordinator returns a coordinator with DefaultBackoff.
func NewExecutionCoordinator(cp ControlPlane, logger *slog.Logger) *ExecutionCoordinator {
	return &ExecutionCoordinator{
		cp:                  cp,
		logger:              loggerOrDiscard(logger),
		Backoff:             DefaultBackoff,
		MaxTransientRetries: DefaultMaxTransientRetries,
	}
}

// StartAsync issues a single start RPC and returns the pending or running
// execution. It is not retried: a lost response must not start the command twice.
func (c *ExecutionCoordinator) StartAsync(ctx context.Context, devboxID, command string) (*devbox.Execution, error) {
	return c.start(ctx, devboxID, command, false)
}

// StartAttached is StartAsync for a command that reads stdin. The command
// sees input sent with SendStdin until an EOF signal closes it.
func (c *ExecutionCoordinator) StartAttached(ctx context.Context, devboxID, command string) (*devbox.Execution, error) {
	return c.start(ctx, devboxID, command, true)
}

func (c *ExecutionCoordinator) start(ctx context.Context, devboxID, command string, attachStdin bool) (*devbox.Execution, error) {
	if strings.TrimSpace(command) == "" {
		return nil, devbox.Errorf(devbox.KindPermanent, "start execution", devboxID, "command is required")
	}
	ex, err := c.cp.StartExecution(ctx, devboxID, command, attachStdin)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("execution started", "devbox", devboxID, "execution", ex.ID, "status", ex.Status, "stdin", attachStdin)
	return ex, nil
}

// SendStdin delivers text or a signal to a running attached execution. Like
// StartAsync it is sent once: text delivered twice would reach the command twice.
func (c *ExecutionCoordinator) SendStdin(ctx context.Context, devboxID, executionID string, in devbox.StdinInput) (*devbox.Execution, error) {
	const op = "send stdin"
	if err := in.Validate(); err != nil {
		return nil, devbox.E(devbox.KindPermanent, op, devboxID, err)
	}
	ex, err := c.cp.SendStdin(ctx, devboxID, executionID, in)
	if err != nil {
		return nil, err
	}
	if ex.DevboxID != devboxID || ex.ID != executionID {
		return nil, devbox.Errorf(devbox.KindNotFound, op, devboxID, "execution %s not found", executionID)
	}
	return ex, nil
}

// Poll fetches the current state of one execution. An execution that belongs
// to a different devbox is reported as NotFound.
func (c *ExecutionCoordinator) Poll(ctx context.Context, devboxID, executionID string) (*devbox.Execution, error) {
	const op = "poll execution"
	ex, err := c.cp.GetExecution(ctx, devboxID, executionID)
	if err != nil {
		return nil, err
	}
	if ex.DevboxID != devboxID || ex.ID != executionID {
		return nil, devbox.Errorf(devbox.KindNotFound, op, devboxID, "execution %s not found", executionID)
	}
	return ex, nil
}

// RunSync starts command and polls until it completes, fails or timeout
// elapses. On timeout the remote command keeps running and the error is an
// ExecutionTimeout whose Execution field holds the last snapshot, so the caller
// can continue with Poll. The start RPC is bounded by ctx only, so a start
// slower than timeout still yields an ExecutionTimeout carrying the execution.
func (c *ExecutionCoordinator) RunSync(ctx context.Context, devboxID, command string, timeout time.Duration) (*devbox.Execution, error) {
	const op = "run execution"
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ex, err := c.StartAsync(ctx, devboxID, command)
	if err != nil {
		return nil, err
	}
	if ex.Status.Terminal() {
		return ex, nil
	}

	logger := c.logger.With("devbox", devboxID, "execution", ex.ID)
	last := ex
	transient := 0
	for attempt := 0; ; attempt++ {
		if err := sleepCtx(waitCtx, c.Backoff.Delay(attempt)); err != nil {
			return nil, c.expired(ctx, op, devboxID, last, timeout)
		}
		cur, err := c.Poll(waitCtx, devboxID, ex.ID)
		switch {
		case err == nil:
			transient = 0
			last = cur
			if cur.Status.Terminal() {
				logger.Debug("execution finished", "status", cur.Status)
				return cur, nil
			}
		case waitCtx.Err() != nil:
			return nil, c.expired(ctx, op, devboxID, last, timeout)
		case devbox.IsTransient(err) && transient < c.MaxTransientRetries:
			transient++
			logger.Warn("transient execution poll failure", "err", err, "retry", transient)
		default:
			return nil, err
		}
	}
}

func (c *ExecutionCoordinator) expired(ctx context.Context, op, devboxID string, last *devbox.Execution, timeout time.Duration) error {
	var e *devbox.Error
	if err := ctx.Err(); err != nil {
		e = devbox.FromContext(op, devboxID, err)
	} else {
		e = devbox.Errorf(devbox.KindExecutionTimeout, op, devboxID, "command still running after %s", timeout)
	}
	e.Execution = last
	return e
}

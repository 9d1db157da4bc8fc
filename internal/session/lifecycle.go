package session

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/antonkrylov/devbox/internal/devbox"
)

// LifecyclePoller waits for a devbox to reach one of a set of statuses.
type LifecyclePoller struct {
	cp     ControlPlane
	logger *slog.Logger

	// Backoff is used when AwaitState is called without a poll interval.
	Backoff             Backoff
	MaxTransientRetries int
}

// NewLifecyclePoller returns a poller with DefaultBackoff.
func NewLifecyclePoller(cp ControlPlane, logger *slog.Logger) *LifecyclePoller {
	return &LifecyclePoller{
		cp:                  cp,
		logger:              loggerOrDiscard(logger),
		Backoff:             DefaultBackoff,
		MaxTransientRetries: DefaultMaxTransientRetries,
	}
}

// AwaitState polls the devbox until its status is one of targets and returns
// that snapshot. A pollInterval of zero uses the poller's Backoff; a timeout of
// zero waits until ctx is done.
//
// Reaching shutdown or failure when neither is a target fails immediately with
// TerminalMismatch. Running out of time fails with DeadlineExceeded. Both
// errors carry the last observed snapshot.
func (p *LifecyclePoller) AwaitState(ctx context.Context, devboxID string, targets []devbox.Status, timeout, pollInterval time.Duration) (*devbox.Devbox, error) {
	const op = "await devbox state"
	if len(targets) == 0 {
		return nil, devbox.Errorf(devbox.KindPermanent, op, devboxID, "no target states")
	}
	policy := p.Backoff
	if pollInterval > 0 {
		policy = policy.Fixed(pollInterval)
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger := p.logger.With("devbox", devboxID)
	var last *devbox.Devbox
	transient := 0
	for attempt := 0; ; attempt++ {
		d, err := p.cp.GetDevbox(waitCtx, devboxID)
		switch {
		case err == nil:
			transient = 0
			last = d
			if slices.Contains(targets, d.Status) {
				return d, nil
			}
			if d.Status.Terminal() {
				e := devbox.Errorf(devbox.KindTerminalMismatch, op, devboxID, "devbox is %s, want one of %v", d.Status, targets)
				e.Devbox = d
				return nil, e
			}
			logger.Debug("devbox not ready", "status", d.Status, "attempt", attempt)
		case waitCtx.Err() != nil:
			return nil, p.expired(ctx, op, devboxID, last, timeout)
		case devbox.IsTransient(err) && transient < p.MaxTransientRetries:
			transient++
			logger.Warn("transient devbox fetch failure", "err", err, "retry", transient)
		default:
			return nil, err
		}

		if err := sleepCtx(waitCtx, policy.Delay(attempt)); err != nil {
			return nil, p.expired(ctx, op, devboxID, last, timeout)
		}
	}
}

func (p *LifecyclePoller) expired(ctx context.Context, op, devboxID string, last *devbox.Devbox, timeout time.Duration) error {
	var e *devbox.Error
	if err := ctx.Err(); err != nil {
		e = devbox.FromContext(op, devboxID, err)
	} else {
		e = devbox.Errorf(devbox.KindDeadlineExceeded, op, devboxID, "still waiting after %s", timeout)
	}
	e.Devbox = last
	return e
}

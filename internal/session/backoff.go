package session

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// DefaultMaxTransientRetries bounds how many consecutive Transient failures a
// poll loop absorbs before giving up.
const DefaultMaxTransientRetries = 5

// Backoff is the polling cadence shared by the poll loops. A Multiplier of 1
// gives a fixed interval. Delays never exceed MaxDelay, jitter included.
type Backoff struct {
	BaseDelay  time.Duration
	Multiplier float64
	Jitter     float64
	MaxDelay   time.Duration
}

// DefaultBackoff matches the reconnect policy of the control-plane dialer.
var DefaultBackoff = Backoff{
	BaseDelay:  250 * time.Millisecond,
	Multiplier: 1.6,
	Jitter:     0.2,
	MaxDelay:   5 * time.Second,
}

// Fixed returns a copy of b polling every interval, keeping b's jitter and cap.
func (b Backoff) Fixed(interval time.Duration) Backoff {
	b.BaseDelay = interval
	b.Multiplier = 1
	if b.MaxDelay > 0 && interval > b.MaxDelay {
		b.BaseDelay = b.MaxDelay
	}
	return b
}

// Delay returns the wait before poll number retries+1.
func (b Backoff) Delay(retries int) time.Duration {
	if b.BaseDelay <= 0 {
		return 0
	}
	d := float64(b.BaseDelay)
	if b.Multiplier > 1 && retries > 0 {
		d *= math.Pow(b.Multiplier, float64(retries))
	}
	ceiling := float64(b.MaxDelay)
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	if b.Jitter > 0 {
		d *= 1 + b.Jitter*(rand.Float64()*2-1)
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

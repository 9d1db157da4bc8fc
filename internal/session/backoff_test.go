package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := Backoff{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 800*time.Millisecond, b.Delay(3))
	assert.Equal(t, time.Second, b.Delay(10))
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	for i := range 200 {
		d := DefaultBackoff.Delay(i % 12)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, DefaultBackoff.MaxDelay)
	}
	d := DefaultBackoff.Delay(0)
	assert.GreaterOrEqual(t, d, 200*time.Millisecond)
	assert.LessOrEqual(t, d, 300*time.Millisecond)
}

func TestBackoffFixed(t *testing.T) {
	b := Backoff{BaseDelay: time.Millisecond, Multiplier: 3, MaxDelay: time.Second}.Fixed(50 * time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, b.Delay(0))
	assert.Equal(t, 50*time.Millisecond, b.Delay(7))
	assert.Equal(t, time.Second, b.Fixed(time.Minute).Delay(0))
}

func TestSleepCtxCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, sleepCtx(ctx, time.Minute), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

package attempt

import (
	"context"
	"math/rand"
	"time"

	"pkt.systems/txns/internal/clock"
)

// BackoffConfig bounds the exponential backoff applied to store-level
// retries inside commit, rollback, and recovery paths. The protocol only
// needs the retries to be bounded and eventually give up; the exact schedule
// is not load-bearing.
type BackoffConfig struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// Normalize fills in defaults for zero fields.
func (b *BackoffConfig) Normalize() {
	if b.Base <= 0 {
		b.Base = 2 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 250 * time.Millisecond
	}
	if b.Multiplier <= 0 {
		b.Multiplier = 2.0
	}
}

// retryUntil repeatedly invokes fn until it succeeds, returns a
// non-retryable decision, the deadline passes, or ctx is cancelled. fn
// reports retryable=false to stop immediately with its error.
func retryUntil(ctx context.Context, clk clock.Clock, cfg BackoffConfig, deadline time.Time, fn func(ctx context.Context) (retryable bool, err error)) error {
	cfg.Normalize()
	delay := cfg.Base
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		retryable, err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		now := clk.Now()
		if !now.Before(deadline) {
			return err
		}
		sleep := delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
		if remaining := deadline.Sub(now); sleep > remaining {
			sleep = remaining
		}
		clk.Sleep(sleep)
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.Max {
			delay = cfg.Max
		}
	}
}

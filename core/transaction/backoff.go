package transaction

import (
	"context"
	"time"
)

// BackoffPolicy decides how long to wait before retrying after a conflict.
type BackoffPolicy interface {
	// Delay waits before attempt (1-based) or returns ctx's error.
	Delay(ctx context.Context, attempt int) error
}

// ExponentialBackoff waits min(MinDelay * 2^(attempt-1), MaxDelay).
type ExponentialBackoff struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// NewExponentialBackoff builds the backoff configured for a family.
func NewExponentialBackoff(cfg *Config) ExponentialBackoff {
	return ExponentialBackoff{MinDelay: cfg.BackoffMinDelay, MaxDelay: cfg.BackoffMaxDelay}
}

// Duration returns the delay before attempt.
func (b ExponentialBackoff) Duration(attempt int) time.Duration {
	if b.MinDelay <= 0 {
		return 0
	}
	d := b.MinDelay
	for i := 1; i < attempt && d < b.MaxDelay; i++ {
		d *= 2
	}
	if d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

func (b ExponentialBackoff) Delay(ctx context.Context, attempt int) error {
	d := b.Duration(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NoBackoff retries immediately.
type NoBackoff struct{}

func (NoBackoff) Delay(ctx context.Context, _ int) error { return ctx.Err() }

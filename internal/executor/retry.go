package executor

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// RetryPolicy is the single retry configuration for venue submission.
// Call sites never do their own backoff; they go through Do.
type RetryPolicy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the configured retry ceiling of three
// attempts with short exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, MinDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Do runs fn up to MaxAttempts times, backing off between attempts.
// It stops early on success, on a non-transient error, or when ctx is
// done. The returned attempt count includes the final try.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) (attempts int, err error) {
	b := &backoff.Backoff{
		Min:    p.MinDelay,
		Max:    p.MaxDelay,
		Factor: 2,
		Jitter: true,
	}
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	for attempts = 1; ; attempts++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return attempts, err
		}
		if attempts >= max {
			return attempts, err
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return attempts, ctx.Err()
		}
	}
}

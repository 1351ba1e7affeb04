// Package retry wraps calls to unreliable dependencies with exponential
// backoff. Only errors the policy classifies as retryable are retried; all
// others surface on the first attempt.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rcm/rcm/internal/platform/apperror"
)

// Policy describes how a failed call is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter is the randomization factor in [0,1] applied to each delay.
	Jitter float64

	// Retryable classifies errors. Defaults to apperror.IsRetryable.
	Retryable func(error) bool
	// NewTimer supplies the timer used between attempts. Tests pass a fake.
	NewTimer func() backoff.Timer
	// OnRetry is called before each wait with the error and the delay.
	OnRetry func(err error, delay time.Duration)
}

// Default is the policy used when configuration leaves fields unset.
var Default = Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	Multiplier:  2,
	MaxDelay:    10 * time.Second,
	Jitter:      0.2,
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = Default.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = Default.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = Default.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = Default.MaxDelay
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = Default.Jitter
	}
	if p.Retryable == nil {
		p.Retryable = apperror.IsRetryable
	}
	return p
}

// backOff builds the schedule for one Do call.
func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.Multiplier
	eb.MaxInterval = p.MaxDelay
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. It returns fn's last error unchanged.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	op := func() error {
		err := fn(ctx)
		if err != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = p.OnRetry
	}
	var timer backoff.Timer
	if p.NewTimer != nil {
		timer = p.NewTimer()
	}
	return backoff.RetryNotifyWithTimer(op, p.backOff(ctx), notify, timer)
}

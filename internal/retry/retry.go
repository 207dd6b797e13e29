// Package retry wraps cenkalti/backoff with the engine's capped
// exponential policy: transient errors are retried a bounded number of
// times, semantic errors surface immediately.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a small composable retry policy: bounded attempts with
// exponential backoff. Tests use ZeroPolicy to avoid sleeping.
type Policy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy matches the network step budget: 3 attempts at
// 1s/2s/4s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: 4 * time.Second}
}

// ZeroPolicy retries the same number of times with no delay.
func ZeroPolicy(attempts uint64) Policy {
	return Policy{MaxAttempts: attempts}
}

// Permanent marks err as non-retryable; Do surfaces it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op under the policy, returning the last error once attempts
// are exhausted or a permanent error as soon as it occurs.
func (p Policy) Do(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	if p.InitialInterval == 0 {
		eb.InitialInterval = time.Nanosecond
		eb.MaxInterval = time.Nanosecond
	}

	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	// WithMaxRetries counts retries after the first attempt
	b := backoff.WithMaxRetries(eb, attempts-1)
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// Package retry applies a bounded exponential backoff policy at remote call sites.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	// DefaultMaxAttempts counts the first call.
	DefaultMaxAttempts = 3
	// DefaultInitialDelay is the floor of the backoff schedule.
	DefaultInitialDelay = 4 * time.Second
	// DefaultMaxDelay caps a single wait.
	DefaultMaxDelay = 10 * time.Second
	// DefaultMultiplier grows the wait between attempts.
	DefaultMultiplier = 1.5
)

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Retryable decides whether an error deserves another attempt; nil retries everything.
	Retryable func(error) bool
}

// DefaultPolicy returns the 3 attempt, 4s..10s, x1.5 schedule used for remote
// reads. The waits are 4s then 6s.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
		Retryable:    retryable,
	}
}

// FixedPolicy waits the same delay between each of attempts calls.
func FixedPolicy(attempts int, delay time.Duration, retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1,
		Retryable:    retryable,
	}
}

// delays lists the waits the policy inserts between attempts.
func (p Policy) delays() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	delays := make([]time.Duration, 0, p.MaxAttempts-1)
	b := p.newBackOff()
	for i := 0; i < p.MaxAttempts-1; i++ {
		delays = append(delays, b.NextBackOff())
	}
	return delays
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts are
// exhausted, or ctx is done. The last error from fn is returned unchanged.
func Do(ctx context.Context, logger *zap.Logger, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		logger.Warn("Retry attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	//nolint:gosec // attempts is at least 1
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), uint64(attempts-1)), ctx)
	err := backoff.RetryNotify(operation, b, notify)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

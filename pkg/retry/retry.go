package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Policy controls retry behavior for one kind of external operation.
//
// Retryable decides whether an error is worth another attempt; when nil,
// only errors marked transient (see MarkTransient) are retried.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Retryable     func(error) bool
}

// DefaultPolicy matches the tuning used for every network call the bot makes.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so the default retry predicate will retry it.
// A nil err returns nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) was marked transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Do runs op with up to MaxRetries additional attempts after the first.
//
// The delay before attempt n is min(base * factor^(n-1), max) plus a
// uniform jitter of up to 10% of that delay, so concurrent pipeline runs
// do not retry in lockstep. Non-retryable errors propagate immediately;
// after exhaustion the last error propagates unchanged.
func Do[T any](ctx context.Context, policy Policy, name string, op func(context.Context) (T, error)) (T, error) {
	var zero T

	retryable := policy.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := jittered(delayFor(policy, attempt))
			slog.Default().With("component", "retry").Warn("Operation failed, retrying",
				"operation", name,
				"attempt", attempt,
				"max_retries", policy.MaxRetries,
				"delay", delay,
				"error", lastErr,
			)

			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !retryable(err) {
			return zero, err
		}
	}

	slog.Default().With("component", "retry").Error("Operation exhausted retries",
		"operation", name,
		"attempts", policy.MaxRetries+1,
		"error", lastErr,
	)
	return zero, lastErr
}

// delayFor returns the pre-jitter delay before attempt n (n >= 1).
func delayFor(policy Policy, attempt int) time.Duration {
	factor := policy.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}

	delay := time.Duration(float64(policy.BaseDelay) * math.Pow(factor, float64(attempt-1)))
	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// jittered adds a uniform random jitter of up to 10% of delay.
func jittered(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/10+1))
}

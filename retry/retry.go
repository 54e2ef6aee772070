// Package retry provides the single retry-policy abstraction shared by
// the transaction coordinator (linear backoff over transient store
// conflicts) and the recovery manager (jittered exponential backoff over
// reconnect attempts). A Policy names its attempt budget, delay shape
// and retryable-error predicate; call sites parameterize rather than
// hand-roll their own loops.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentnet/reconcile/errors"
)

// Shape selects how the delay grows between attempts.
type Shape int

const (
	// Linear grows the delay as BaseDelay × attempt.
	Linear Shape = iota
	// Exponential doubles the delay each attempt, capped at MaxDelay.
	Exponential
	// ExponentialJitter is Exponential with randomization, for cheap,
	// frequent operations such as reconnects.
	ExponentialJitter
)

// Policy describes one retry discipline.
type Policy struct {
	// MaxAttempts is the total attempt budget including the first try.
	MaxAttempts int

	// BaseDelay is the first retry delay.
	BaseDelay time.Duration

	// MaxDelay caps the delay. Zero means uncapped for Linear and a
	// 60-second default cap for the exponential shapes.
	MaxDelay time.Duration

	// Backoff selects the delay shape.
	Backoff Shape

	// Retryable decides whether an error is worth another attempt.
	// When nil, errors.IsRetryable is used.
	Retryable func(error) bool
}

// Do runs op, retrying per the policy until it succeeds, the attempt
// budget is exhausted, a non-retryable error occurs, or ctx is done.
// The last error is returned.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	retryable := p.Retryable
	if retryable == nil {
		retryable = errors.IsRetryable
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(attempts-1)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (p Policy) backOff() backoff.BackOff {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	switch p.Backoff {
	case Exponential, ExponentialJitter:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = base
		b.Multiplier = 2
		b.MaxInterval = p.MaxDelay
		if b.MaxInterval <= 0 {
			b.MaxInterval = 60 * time.Second
		}
		b.MaxElapsedTime = 0 // attempts are bounded by WithMaxRetries
		if p.Backoff == Exponential {
			b.RandomizationFactor = 0
		}
		b.Reset()
		return b
	default:
		return &linearBackOff{base: base, max: p.MaxDelay}
	}
}

// linearBackOff implements base × attempt growth, the discipline the
// transaction coordinator uses between conflict retries.
type linearBackOff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	d := l.base * time.Duration(l.attempt)
	if l.max > 0 && d > l.max {
		d = l.max
	}
	return d
}

func (l *linearBackOff) Reset() {
	l.attempt = 0
}

// ExpDelay returns min(2^attempt, cap) seconds, the re-enqueue delay the
// recovery manager applies to failed actions. attempt counts from 1.
func ExpDelay(attempt int, capDelay time.Duration) time.Duration {
	if capDelay <= 0 {
		capDelay = 60 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return capDelay
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > capDelay {
		return capDelay
	}
	return d
}

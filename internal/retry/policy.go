// Package retry runs an operation under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Status classifies how a retried operation ended.
type Status int

const (
	// Success means some attempt returned nil.
	Success Status = iota
	// Exhausted means every permitted attempt failed.
	Exhausted
	// Canceled means the context ended before an attempt succeeded.
	Canceled
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Exhausted:
		return "exhausted"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ErrInvalidPolicy is returned by Validate for unusable policies.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy describes how many times and how far apart an operation is attempted.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// Jitter is the randomization factor in [0, 1) applied to every delay.
	Jitter   float64
	MaxDelay time.Duration
}

// DefaultPolicy returns 3 attempts starting at one second and doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		Jitter:      0.5,
		MaxDelay:    30 * time.Second,
	}
}

// Validate reports whether the policy can be executed.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return errors.Join(ErrInvalidPolicy, errors.New("max attempts must be at least 1"))
	case p.BaseDelay < 0:
		return errors.Join(ErrInvalidPolicy, errors.New("base delay must not be negative"))
	case p.Multiplier < 1:
		return errors.Join(ErrInvalidPolicy, errors.New("multiplier must be at least 1"))
	case p.Jitter < 0 || p.Jitter >= 1:
		return errors.Join(ErrInvalidPolicy, errors.New("jitter must be in [0, 1)"))
	}

	return nil
}

// Outcome is the result of Do.
type Outcome struct {
	Status   Status
	Attempts int
	// Err holds the last attempt error when Status is not Success.
	Err error
}

// Notify is called after each failed attempt that will be retried.
type Notify func(attempt int, err error, next time.Duration)

// Operation is a single attempt.
type Operation func(ctx context.Context) error

// Do runs op until it succeeds, the attempts run out or ctx ends.
func (p Policy) Do(ctx context.Context, op Operation, notify Notify) Outcome {
	attempts := 0

	var lastErr error

	attempt := func() error {
		attempts++
		lastErr = op(ctx)

		return lastErr
	}

	onRetry := func(err error, next time.Duration) {
		if notify != nil {
			notify(attempts, err, next)
		}
	}

	err := backoff.RetryNotify(attempt, p.backOff(ctx), onRetry)
	if err == nil {
		return Outcome{Status: Success, Attempts: attempts}
	}

	if ctx.Err() != nil && attempts < p.MaxAttempts {
		return Outcome{Status: Canceled, Attempts: attempts, Err: lastErr}
	}

	return Outcome{Status: Exhausted, Attempts: attempts, Err: lastErr}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0

	exp.MaxInterval = p.MaxDelay
	if exp.MaxInterval < p.BaseDelay {
		exp.MaxInterval = p.BaseDelay
	}

	if exp.MaxInterval <= 0 {
		exp.MaxInterval = time.Millisecond
	}

	exp.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

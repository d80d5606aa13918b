package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
)

// Observer receives one report per attempt, success or failure.
type Observer interface {
	RecordCall(dependency string, ok bool, duration time.Duration)
}

// Caller wraps one dependency with breaker, bounded exponential retry, and a
// per-attempt timeout. Only transient failures (timeout, unavailable) are
// retried; rejections and an open breaker surface immediately.
type Caller struct {
	Dependency     string
	Breaker        Breaker
	MaxAttempts    uint64
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
	Observer       Observer
	Logger         zerolog.Logger
}

func (c *Caller) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	maxAttempts := c.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	baseDelay := c.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	backoff := retry.WithMaxRetries(maxAttempts-1, retry.NewExponential(baseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		return c.attempt(ctx, fn)
	})
	if err == nil {
		return nil
	}

	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Dependency: c.Dependency, Kind: Unavailable, Err: err}
}

func (c *Caller) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	attemptCtx := ctx
	cancel := func() {}
	if c.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, c.AttemptTimeout)
	}
	defer cancel()

	start := time.Now()
	_, err := c.Breaker.Execute(func() (interface{}, error) {
		return nil, fn(attemptCtx)
	})
	elapsed := time.Since(start)
	if c.Observer != nil {
		c.Observer.RecordCall(c.Dependency, err == nil, elapsed)
	}
	if err == nil {
		return nil
	}

	c.Logger.Debug().
		Str("dependency", c.Dependency).
		Dur("elapsed", elapsed).
		Err(err).
		Msg("dependency call failed")

	// An open breaker is unavailability; retrying would only hammer it.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Failure{Dependency: c.Dependency, Kind: Unavailable, Err: err}
	}

	var f *Failure
	if errors.As(err, &f) {
		if f.Kind == Rejected {
			return f
		}
		return retry.RetryableError(f)
	}

	kind := Unavailable
	if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() != nil {
		kind = Timeout
	}
	return retry.RetryableError(&Failure{Dependency: c.Dependency, Kind: kind, Err: err})
}

package resilience

import (
	"context"
	"errors"
	"time"
)

// RetryOptions configures Retry. Zero values use defaults.
type RetryOptions struct {
	MaxAttempts     int           // default 3
	InitialDelay    time.Duration // default 1s
	MaxDelay        time.Duration // default 30s
	ExponentialBase float64       // default 2.0

	// RetryIf decides whether an error is worth another attempt. Nil retries
	// everything except NoRetry-wrapped errors and context cancellation.
	RetryIf func(error) bool
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.ExponentialBase < 1 {
		o.ExponentialBase = 2.0
	}
	return o
}

// Retry runs op up to MaxAttempts times with exponential backoff between
// attempts. The delay starts at InitialDelay and multiplies by ExponentialBase
// after each failed attempt, capped at MaxDelay.
//
// Non-retryable errors (NoRetry-wrapped, RetryIf == false, or context errors)
// propagate immediately. Exhausting all attempts returns an *ExhaustedError
// carrying the attempt count and the last underlying error.
func Retry(ctx context.Context, opts RetryOptions, op func(ctx context.Context) error) error {
	o := opts.withDefaults()
	delay := o.InitialDelay

	var last error
	for attempt := 1; attempt <= o.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsNoRetry(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if o.RetryIf != nil && !o.RetryIf(err) {
			return err
		}
		last = err
		if attempt == o.MaxAttempts {
			break
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = time.Duration(float64(delay) * o.ExponentialBase)
		if delay > o.MaxDelay {
			delay = o.MaxDelay
		}
	}
	return &ExhaustedError{Attempts: o.MaxAttempts, Last: last}
}

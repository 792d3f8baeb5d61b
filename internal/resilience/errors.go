package resilience

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when a call is rejected without being attempted
// because the service's circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// NoRetry marks an error as non-retryable.
//
// Device adapters can wrap validation errors or other permanent failures with
// NoRetry so the retry loop won't waste attempts.
//
// Example:
//
//	return resilience.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// ExhaustedError aggregates a failed retry sequence: how many attempts were
// made and the last underlying error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

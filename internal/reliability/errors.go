package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	ErrNonRetryable       = errors.New("retry: error is not retryable")
)

// RetryError represents a retry operation that ran out of attempts
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d attempts (max retries %d): %v",
		e.Op, e.Attempts, e.MaxAttempts, e.LastError)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.LastError}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Anything wrapping a permanent marker stops retries
	var r RetryableError
	if errors.As(err, &r) {
		return r.Retryable
	}

	switch {
	case errors.Is(err, ErrNonRetryable):
		return false
	case errors.Is(err, ErrMaxRetriesExceeded):
		return false
	}

	return true
}

package execution

import (
	"errors"
	"fmt"
)

// RetryRequestedError is returned by step code to ask the orchestrator for
// another attempt instead of failing the step outright.
type RetryRequestedError struct {
	Message     string
	WaitSeconds float64
}

func (e *RetryRequestedError) Error() string {
	if e.Message == "" {
		return "step requested retry"
	}
	return fmt.Sprintf("step requested retry: %s", e.Message)
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// MarkRetryable wraps err so the resulting step failure is flagged as
// retryable under the step's retry policy.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked retryable or carries a retry
// request.
func IsRetryable(err error) bool {
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	var rr *RetryRequestedError
	return errors.As(err, &rr)
}

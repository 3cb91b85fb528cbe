package resilience

import (
	"context"
	"errors"
	"net"
	"regexp"
)

var retryablePattern = regexp.MustCompile(`(?i)(timeout|timed out|deadline exceeded|connection reset|econnreset|connection refused|econnrefused|rate limit|too many requests|\b429\b|\b502\b|\b503\b|bad gateway|service unavailable|network|broken pipe|\beof\b|temporar)`)

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient regardless of its message.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

// IsRetryable classifies an error as transient. Cancellation is never
// retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var re retryableError
	if errors.As(err, &re) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return retryablePattern.MatchString(err.Error())
}

package errs

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for job registration failures. These are surfaced by
// SchedulerManager.CreateJob and are never retried.
var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrUnknownJobType  = errors.New("unknown job type")
)

// ValidationError reports a bad job spec or request field. Not retryable.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Msg)
}

// ConfigurationError reports missing credentials or paths. Fatal to the
// operation, never retried.
type ConfigurationError struct {
	Missing string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: missing %s", e.Missing)
}

// ConnectionError wraps a failure to reach a downstream service.
type ConnectionError struct {
	Service string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Service, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError wraps a downstream call that exceeded its deadline.
type TimeoutError struct {
	Service string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Service, e.Timeout)
}

// RateLimitError signals a throttled call. RetryAfter, when positive, is the
// delay advertised by the limiter and takes precedence over computed backoff.
type RateLimitError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited (retry after %s)", e.Service, e.RetryAfter)
}

// AuthenticationError reports rejected credentials. Not retryable.
type AuthenticationError struct {
	Service string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication to %s failed", e.Service)
}

// CircuitOpenError is returned when a breaker rejects a call without
// attempting it. Distinct from the wrapped call's own errors and never
// retryable: the breaker is saying "do not even try".
type CircuitOpenError struct {
	Service      string
	State        string
	FailureCount int
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s (state=%s failures=%d)", e.Service, e.State, e.FailureCount)
}

// IsRetryable classifies an error for the retry executor. Connection
// failures, timeouts, and rate limits are transient; everything else
// propagates on first occurrence.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		conn *ConnectionError
		to   *TimeoutError
		rl   *RateLimitError
	)
	if errors.As(err, &conn) || errors.As(err, &to) || errors.As(err, &rl) {
		return true
	}
	return false
}

// RetryDelay returns an error-specific retry delay, or 0 when the caller
// should fall back to its computed backoff.
func RetryDelay(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	return 0
}

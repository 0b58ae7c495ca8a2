package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"graphflow-scheduler/internal/breaker"
	"graphflow-scheduler/internal/errs"
)

// Defaults for the executor; callers override per field.
const (
	DefaultMaxAttempts   = 3
	DefaultInitialDelay  = time.Second
	DefaultBackoffFactor = 2.0
)

// Attempt describes one retry decision, passed to OnRetry for
// logging/metrics. Attempt numbering starts at 1.
type Attempt struct {
	Number int
	Err    error
	Delay  time.Duration
}

// Executor retries a fallible operation with exponential backoff and jitter.
// Errors classified non-retryable by errs.IsRetryable propagate immediately.
type Executor struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	OnRetry       func(Attempt)

	Log      *zerolog.Logger
	Breakers *breaker.Registry

	sleep func(context.Context, time.Duration) error // test hook
}

// New builds an executor with default policy.
func New(log zerolog.Logger, breakers *breaker.Registry) *Executor {
	return &Executor{
		MaxAttempts:   DefaultMaxAttempts,
		InitialDelay:  DefaultInitialDelay,
		BackoffFactor: DefaultBackoffFactor,
		Log:           &log,
		Breakers:      breakers,
	}
}

// Do runs fn up to MaxAttempts times. Between attempts it sleeps for the
// current delay, which starts at InitialDelay and multiplies by BackoffFactor
// after each attempt; an error-advertised delay (rate-limit retry-after)
// takes precedence, and a small random jitter is added to computed delays to
// avoid retry storms. The last error is returned once attempts are exhausted.
func (e *Executor) Do(ctx context.Context, fn func() error) error {
	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	delay := e.InitialDelay
	if delay <= 0 {
		delay = DefaultInitialDelay
	}
	factor := e.BackoffFactor
	if factor <= 0 {
		factor = DefaultBackoffFactor
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errs.IsRetryable(lastErr) {
			if e.Log != nil {
				e.Log.Warn().Err(lastErr).Int("attempt", attempt).Msg("non-retryable error")
			}
			return lastErr
		}
		if attempt == maxAttempts {
			if e.Log != nil {
				e.Log.Error().Err(lastErr).Int("attempts", attempt).Msg("retry attempts exhausted")
			}
			return lastErr
		}

		wait := errs.RetryDelay(lastErr)
		if wait <= 0 {
			wait = delay + jitter()
		}
		if e.Log != nil {
			e.Log.Info().Err(lastErr).Int("attempt", attempt).Dur("delay", wait).Msg("retrying")
		}
		if e.OnRetry != nil {
			e.OnRetry(Attempt{Number: attempt, Err: lastErr, Delay: wait})
		}
		if err := e.doSleep(ctx, wait); err != nil {
			return err
		}
		delay = time.Duration(float64(delay) * factor)
	}
	return lastErr
}

// DoWithBreaker runs the whole retry loop inside the circuit breaker for the
// named collaborator. The breaker observes a single outcome per call: k
// internal retries followed by a success record no breaker failures, and only
// an exhausted (or non-retryable) result counts as one failure.
func (e *Executor) DoWithBreaker(ctx context.Context, name string, fn func() error) error {
	if e.Breakers == nil {
		return e.Do(ctx, fn)
	}
	return e.Breakers.Get(name).Do(func() error {
		return e.Do(ctx, fn)
	})
}

func (e *Executor) doSleep(ctx context.Context, d time.Duration) error {
	if e.sleep != nil {
		return e.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitter returns a 100-500ms offset added to computed backoff delays.
func jitter() time.Duration {
	return time.Duration(100+rand.Intn(400)) * time.Millisecond
}

package scheduler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"graphflow-scheduler/internal/errs"
	"graphflow-scheduler/internal/models"
	"graphflow-scheduler/internal/ratelimit"
	"graphflow-scheduler/internal/retry"
)

// Handler executes one job firing. Implementations live outside the
// scheduler: the content pipeline, posting, market-data polling and the
// graphflow supervisor all plug in here.
type Handler func(ctx context.Context, args map[string]any) error

// Dispatcher maps job types to handlers and runs every invocation through
// the retry executor, with a circuit breaker keyed per job type. A job type
// whose downstream stays broken eventually opens its breaker and
// short-circuits further attempts until recovery.
type Dispatcher struct {
	handlers map[models.JobType]Handler
	exec     *retry.Executor
	limiter  *ratelimit.TokenBucket
	log      zerolog.Logger
}

// NewDispatcher builds a dispatcher. limiter may be nil to disable dispatch
// throttling.
func NewDispatcher(exec *retry.Executor, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[models.JobType]Handler),
		exec:     exec,
		limiter:  limiter,
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Register binds a handler to a job type. Registration happens at wiring
// time, before any job can reference the type.
func (d *Dispatcher) Register(t models.JobType, h Handler) {
	if h == nil {
		return
	}
	d.handlers[t] = h
}

// Registered reports whether a handler exists for the type.
func (d *Dispatcher) Registered(t models.JobType) bool {
	_, ok := d.handlers[t]
	return ok
}

// Dispatch invokes the handler for jobType. A missing handler is a wiring
// error surfaced as ErrUnknownJobType; CreateJob validates types up front so
// this does not happen for registry-created jobs.
func (d *Dispatcher) Dispatch(ctx context.Context, jobType models.JobType, args map[string]any) error {
	h, ok := d.handlers[jobType]
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrUnknownJobType, jobType)
	}
	return d.exec.DoWithBreaker(ctx, "job:"+string(jobType), func() error {
		if d.limiter != nil {
			// Throttle inside the retried function so a rate-limit hit
			// waits out its advertised delay and tries again.
			if err := d.limiter.AllowJob(ctx, string(jobType)); err != nil {
				return err
			}
		}
		return h(ctx, args)
	})
}

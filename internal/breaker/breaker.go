package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"graphflow-scheduler/internal/errs"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Defaults match the reliability settings the scheduler ships with.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
	DefaultSuccessThreshold = 3
)

// Breaker guards calls to a single named collaborator. It trips open after
// FailureThreshold consecutive failures, rejects calls for ResetTimeout, then
// allows trial calls (half-open) until SuccessThreshold successes close it
// again. Safe for concurrent use; all bookkeeping is serialized under one
// mutex.
type Breaker struct {
	name string
	log  zerolog.Logger

	failureThreshold int
	resetTimeout     time.Duration
	successThreshold int

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	now func() time.Time // test hook
}

// Option configures a Breaker.
type Option func(*Breaker)

func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New builds a closed breaker for the named collaborator.
func New(name string, log zerolog.Logger, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		log:              log.With().Str("breaker", name).Logger(),
		failureThreshold: DefaultFailureThreshold,
		resetTimeout:     DefaultResetTimeout,
		successThreshold: DefaultSuccessThreshold,
		state:            StateClosed,
		now:              time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn through the breaker. It returns fn's error unchanged, or a
// *errs.CircuitOpenError when the call is rejected without being attempted.
func (b *Breaker) Do(fn func() error) error {
	if err := b.preflight(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// preflight decides whether the call may proceed, transitioning open ->
// half-open once the reset timeout has elapsed.
func (b *Breaker) preflight() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return nil
	}
	if !b.lastFailureTime.IsZero() && b.now().Sub(b.lastFailureTime) >= b.resetTimeout {
		b.state = StateHalfOpen
		b.log.Info().Msg("entering half-open state")
		return nil
	}
	return &errs.CircuitOpenError{
		Service:      b.name,
		State:        string(b.state),
		FailureCount: b.failureCount,
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.lastFailureTime = time.Time{}
	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = StateClosed
			b.successCount = 0
			b.log.Info().Msg("closed after recovery")
		}
	case StateClosed:
		b.successCount = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailureTime = b.now()
	b.successCount = 0
	switch b.state {
	case StateClosed:
		if b.failureCount >= b.failureThreshold {
			b.state = StateOpen
			b.log.Warn().Int("failures", b.failureCount).Msg("opened")
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.log.Warn().Msg("re-opened after half-open failure")
	}
}

// Status is a point-in-time snapshot of one breaker, for the ops API.
type Status struct {
	Name         string `json:"name"`
	State        State  `json:"state"`
	FailureCount int    `json:"failure_count"`
	SuccessCount int    `json:"success_count"`
	LastFailure  string `json:"last_failure,omitempty"`
}

func (b *Breaker) status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if !b.lastFailureTime.IsZero() {
		st.LastFailure = b.lastFailureTime.UTC().Format(time.RFC3339)
	}
	return st
}

// Registry holds one breaker per collaborator name, created lazily on first
// use. State is process-local: a restart clears every breaker.
type Registry struct {
	log  zerolog.Logger
	opts []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds an empty registry. opts apply to every breaker it
// creates.
func NewRegistry(log zerolog.Logger, opts ...Option) *Registry {
	return &Registry{
		log:      log,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it if absent.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.log, r.opts...)
	r.breakers[name] = b
	r.log.Debug().Str("breaker", name).Msg("created circuit breaker")
	return b
}

// Snapshot reports the state of every breaker created so far.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.status())
	}
	return out
}

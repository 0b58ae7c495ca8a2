package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"graphflow-scheduler/internal/errs"
)

var errBoom = errors.New("boom")

func newTestBreaker(now *time.Time, opts ...Option) *Breaker {
	opts = append(opts, WithClock(func() time.Time { return *now }))
	return New("svc", zerolog.Nop(), opts...)
}

func failN(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("failure %d: got %v, want errBoom", i+1, err)
		}
	}
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now, WithFailureThreshold(3))

	failN(t, b, 3)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	invoked := false
	err := b.Do(func() error { invoked = true; return nil })
	var open *errs.CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("got %v, want CircuitOpenError", err)
	}
	if invoked {
		t.Fatal("wrapped function invoked while circuit open")
	}
	if open.Service != "svc" || open.FailureCount != 3 {
		t.Fatalf("unexpected open error detail: %+v", open)
	}
}

func TestOpenRejectsUntilResetTimeout(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now, WithFailureThreshold(1), WithResetTimeout(time.Minute))

	failN(t, b, 1)

	now = now.Add(59 * time.Second)
	var open *errs.CircuitOpenError
	if err := b.Do(func() error { return nil }); !errors.As(err, &open) {
		t.Fatalf("before timeout: got %v, want CircuitOpenError", err)
	}

	now = now.Add(time.Second)
	invoked := false
	if err := b.Do(func() error { invoked = true; return nil }); err != nil {
		t.Fatalf("after timeout: %v", err)
	}
	if !invoked {
		t.Fatal("trial call not attempted after reset timeout")
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", got)
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now, WithFailureThreshold(1), WithResetTimeout(time.Second), WithSuccessThreshold(2))

	failN(t, b, 1)
	now = now.Add(time.Second)

	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("success %d: %v", i+1, err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
	st := b.status()
	if st.FailureCount != 0 || st.SuccessCount != 0 {
		t.Fatalf("counters not reset: %+v", st)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now, WithFailureThreshold(1), WithResetTimeout(time.Second))

	failN(t, b, 1)
	now = now.Add(time.Second)

	if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("got %v, want errBoom", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now, WithFailureThreshold(3))

	failN(t, b, 2)
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("success: %v", err)
	}
	// Two more failures should not trip a threshold of three.
	failN(t, b, 2)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), WithFailureThreshold(1))

	a := r.Get("svcA")
	if again := r.Get("svcA"); again != a {
		t.Fatal("Get returned a different instance for the same name")
	}
	_ = r.Get("svcB")

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(snap))
	}
}

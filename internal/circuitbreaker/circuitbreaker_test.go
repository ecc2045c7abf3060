package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := New(Config{
		FailureThreshold: threshold,
		Timeout:          timeout,
		Now:              clock.Now,
	})
	return cb, clock
}

var errUpstream = errors.New("keys endpoint returned 503")

func TestCircuitBreakerStartsClosed(t *testing.T) {
	cb := New(DefaultConfig())
	if cb.State() != StateClosed {
		t.Errorf("expected state closed, got %s", cb.State())
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := cb.Allow(); err != nil {
			t.Fatalf("call %d rejected early: %v", i, err)
		}
		cb.RecordResult(errUpstream)
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreakerFailureWindowResets(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := New(Config{FailureThreshold: 2, Window: time.Minute, Now: clock.Now})

	cb.Allow()
	cb.RecordResult(errUpstream)
	clock.Advance(2 * time.Minute)
	cb.Allow()
	cb.RecordResult(errUpstream)

	if cb.State() != StateClosed {
		t.Errorf("failures in separate windows must not open the circuit, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenTransitions(t *testing.T) {
	tests := []struct {
		name   string
		result error
		want   State
	}{
		{"success closes", nil, StateClosed},
		{"failure reopens", errUpstream, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(1, 30*time.Second)

			cb.Allow()
			cb.RecordResult(errUpstream)

			clock.Advance(29 * time.Second)
			if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
				t.Fatalf("expected rejection during cool-down, got %v", err)
			}

			clock.Advance(time.Second)
			if err := cb.Allow(); err != nil {
				t.Fatalf("expected probe call after cool-down, got %v", err)
			}
			if cb.State() != StateHalfOpen {
				t.Fatalf("expected half-open, got %s", cb.State())
			}

			cb.RecordResult(tt.result)
			if cb.State() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, cb.State())
			}
		})
	}
}

func TestCircuitBreakerExecute(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)

	calls := 0
	fail := func(context.Context) error { calls++; return errUpstream }

	if err := cb.Execute(context.Background(), fail); !errors.Is(err, errUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if err := cb.Execute(context.Background(), fail); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected fn to run once, ran %d times", calls)
	}
}

func TestCircuitBreakerExecuteIgnoresCallerCancellation(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("caller cancellation must not trip the breaker, got %s", cb.State())
	}
}

func TestCircuitBreakerStats(t *testing.T) {
	cb := New(DefaultConfig())

	for i := 0; i < 5; i++ {
		cb.Allow()
		cb.RecordResult(nil)
	}
	for i := 0; i < 2; i++ {
		cb.Allow()
		cb.RecordResult(errUpstream)
	}

	stats := cb.Stats()
	if stats.TotalRequests != 7 {
		t.Errorf("expected 7 total requests, got %d", stats.TotalRequests)
	}
	if stats.TotalSuccess != 5 {
		t.Errorf("expected 5 successes, got %d", stats.TotalSuccess)
	}
	if stats.TotalFailures != 2 {
		t.Errorf("expected 2 failures, got %d", stats.TotalFailures)
	}
	if stats.State != "closed" {
		t.Errorf("expected closed, got %s", stats.State)
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)

	cb.Allow()
	cb.RecordResult(errUpstream)
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	cb.Reset()

	if err := cb.Allow(); err != nil {
		t.Errorf("expected Allow() to succeed after reset, got %v", err)
	}
}

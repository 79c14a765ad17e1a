package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, open)
	b.now = clock.Now
	return b, clock
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	if !b.Allow("payout") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	b.RecordFailure("payout")
	b.RecordFailure("payout")
	if !b.Allow("payout") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("payout")
	if b.Allow("payout") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("payout") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("payout"))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b, clock := newTestBreaker(2, time.Second)

	b.RecordFailure("payout")
	b.RecordFailure("payout")
	if b.Allow("payout") {
		t.Fatal("should be open")
	}

	clock.Advance(time.Second)

	if !b.Allow("payout") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("payout") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("payout"))
	}
	if b.Allow("payout") {
		t.Fatal("should reject second request in half-open")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(2, time.Second)

	b.RecordFailure("payout")
	b.RecordFailure("payout")
	clock.Advance(time.Second)
	b.Allow("payout")

	b.RecordSuccess("payout")
	if b.State("payout") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("payout"))
	}
	if !b.Allow("payout") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2, time.Second)

	b.RecordFailure("payout")
	b.RecordFailure("payout")
	clock.Advance(time.Second)
	b.Allow("payout")

	b.RecordFailure("payout")
	if b.State("payout") != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State("payout"))
	}
	// Reopening restarts the open period.
	clock.Advance(500 * time.Millisecond)
	if b.Allow("payout") {
		t.Fatal("should stay open for a full period after a failed probe")
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	b.RecordFailure("payout")
	b.RecordFailure("payout")
	b.RecordSuccess("payout")

	b.RecordFailure("payout")
	if !b.Allow("payout") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(2, time.Second)

	b.RecordFailure("payout")
	b.RecordFailure("payout")

	if b.Allow("payout") {
		t.Fatal("payout should be open")
	}
	if !b.Allow("collect") {
		t.Fatal("collect should be closed")
	}
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2, time.Second)
	errUser := errors.New("caller mistake")
	errInfra := errors.New("rpc down")
	counts := func(err error) bool { return !errors.Is(err, errUser) }

	for i := 0; i < 5; i++ {
		if err := b.Do("collect", counts, func() error { return errUser }); err != errUser {
			t.Fatalf("expected pass-through error, got %v", err)
		}
	}
	if b.State("collect") != StateClosed {
		t.Fatal("errors that do not count must not trip the circuit")
	}

	_ = b.Do("collect", counts, func() error { return errInfra })
	_ = b.Do("collect", counts, func() error { return errInfra })

	called := false
	err := b.Do("collect", counts, func() error { called = true; return nil })
	if err != ErrOpen || called {
		t.Fatalf("expected ErrOpen without calling fn, got %v (called=%v)", err, called)
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, clock := newTestBreaker(2, time.Second)

	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		transitions = append(transitions, struct{ from, to State }{from, to})
	})

	b.RecordFailure("payout")
	b.RecordFailure("payout")
	clock.Advance(time.Second)
	b.Allow("payout")
	b.RecordSuccess("payout")

	want := []struct{ from, to State }{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(transitions))
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %v→%v, want %v→%v", i, transitions[i].from, transitions[i].to, want[i].from, want[i].to)
		}
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

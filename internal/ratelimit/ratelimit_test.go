package ratelimit

import (
	"errors"
	"testing"
	"time"
)

// testClock is a manually advanced clock for deterministic window tests.
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time {
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestLimiter() (*Limiter, *testClock) {
	clock := &testClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewWithClock(clock.now), clock
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 5; i++ {
		if err := l.Allow("alice", 5, time.Minute); err != nil {
			t.Fatalf("request %d: Allow() = %v, want nil", i+1, err)
		}
	}
}

func TestAllowRejectsOverLimit(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 3; i++ {
		if err := l.Allow("alice", 3, time.Minute); err != nil {
			t.Fatalf("request %d: Allow() = %v, want nil", i+1, err)
		}
	}

	err := l.Allow("alice", 3, time.Minute)
	var rlErr *Error
	if !errors.As(err, &rlErr) {
		t.Fatalf("Allow() = %v, want *Error", err)
	}
	if rlErr.Limit != 3 {
		t.Errorf("Limit = %d, want 3", rlErr.Limit)
	}
	if rlErr.RetryAfter <= 0 || rlErr.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %s, want within (0, 1m]", rlErr.RetryAfter)
	}
}

func TestAllowZeroLimit(t *testing.T) {
	l, clock := newTestLimiter()

	// A zero quota rejects every request, including the first of a window.
	err := l.Allow("alice", 0, time.Minute)
	var rlErr *Error
	if !errors.As(err, &rlErr) {
		t.Fatalf("Allow() = %v, want *Error", err)
	}
	if rlErr.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %s, want 1m for a fresh window", rlErr.RetryAfter)
	}

	clock.advance(2 * time.Minute)
	if err := l.Allow("alice", 0, time.Minute); err == nil {
		t.Fatal("Allow() = nil after window elapsed, want rejection")
	}
}

func TestAllowWindowReset(t *testing.T) {
	l, clock := newTestLimiter()

	for i := 0; i < 3; i++ {
		if err := l.Allow("alice", 3, time.Minute); err != nil {
			t.Fatalf("request %d: Allow() = %v, want nil", i+1, err)
		}
	}
	if err := l.Allow("alice", 3, time.Minute); err == nil {
		t.Fatal("Allow() = nil, want rejection at limit")
	}

	clock.advance(time.Minute)
	if err := l.Allow("alice", 3, time.Minute); err != nil {
		t.Fatalf("Allow() after window elapsed = %v, want nil", err)
	}
}

func TestAllowBoundaryBurst(t *testing.T) {
	// A fixed window admits up to limit just before the boundary and limit
	// again just after: 2x limit across the seam.
	l, clock := newTestLimiter()

	clock.advance(59 * time.Second)
	admitted := 0
	for i := 0; i < 3; i++ {
		if err := l.Allow("alice", 3, time.Minute); err == nil {
			admitted++
		}
	}

	if admitted != 3 {
		t.Fatalf("admitted = %d before boundary, want 3", admitted)
	}

	// The window opened at t=59s; a full minute later it resets.
	clock.advance(time.Minute)
	for i := 0; i < 3; i++ {
		if err := l.Allow("alice", 3, time.Minute); err != nil {
			t.Fatalf("request %d after boundary: Allow() = %v, want nil", i+1, err)
		}
	}
}

func TestAllowIndependentUsers(t *testing.T) {
	l, _ := newTestLimiter()

	if err := l.Allow("alice", 1, time.Minute); err != nil {
		t.Fatalf("alice: Allow() = %v, want nil", err)
	}
	if err := l.Allow("alice", 1, time.Minute); err == nil {
		t.Fatal("alice second request: Allow() = nil, want rejection")
	}
	if err := l.Allow("bob", 1, time.Minute); err != nil {
		t.Fatalf("bob: Allow() = %v, want nil", err)
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter()

	if err := l.Allow("alice", 1, time.Minute); err != nil {
		t.Fatalf("Allow() = %v, want nil", err)
	}
	if err := l.Allow("alice", 1, time.Minute); err == nil {
		t.Fatal("Allow() = nil, want rejection")
	}

	l.Reset()

	if err := l.Allow("alice", 1, time.Minute); err != nil {
		t.Fatalf("Allow() after Reset = %v, want nil", err)
	}
}

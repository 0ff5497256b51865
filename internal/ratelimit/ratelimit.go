// Package ratelimit implements fixed-window per-user admission control.
//
// A window resets when its full duration has elapsed since it opened, so a
// burst straddling a window boundary can admit up to twice the limit. That
// is the documented fixed-window property, kept deliberately instead of a
// sliding window.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Error is returned when a user exceeds their quota within the current window.
type Error struct {
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded: max %d requests per %s (retry in %s)",
		e.Limit, e.Window, e.RetryAfter.Round(time.Second))
}

type window struct {
	start time.Time
	count int
}

// Limiter tracks one fixed window per user. Windows are created on first
// submission and never destroyed except by Reset. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
}

// New creates a Limiter using the real clock.
func New() *Limiter {
	return &Limiter{
		windows: make(map[string]window),
		now:     time.Now,
	}
}

// NewWithClock creates a Limiter with an injected clock (used by tests).
func NewWithClock(now func() time.Time) *Limiter {
	return &Limiter{
		windows: make(map[string]window),
		now:     now,
	}
}

// Allow records one request for userID and returns nil if it fits within
// limit for the given window length, or an *Error if the quota is exhausted.
// Windows are independent per user.
func (l *Limiter) Allow(userID string, limit int, windowLen time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[userID]
	if !ok || now.Sub(w.start) >= windowLen {
		w = window{start: now}
	}

	// The limit applies to fresh windows too, so a zero quota rejects
	// even the first request.
	if w.count >= limit {
		return &Error{
			Limit:      limit,
			Window:     windowLen,
			RetryAfter: windowLen - now.Sub(w.start),
		}
	}

	w.count++
	l.windows[userID] = w
	return nil
}

// Reset drops every tracked window. Used when the store is wholesale replaced.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]window)
}

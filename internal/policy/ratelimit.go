package policy

import (
	"sync"
	"time"
)

// RateLimiter admits at most limit requests per session in any rolling
// window. Limiter state for a session is evicted when the session goes away.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	history map[string][]time.Time
}

// NewRateLimiter creates a sliding-window limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 240
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		history: make(map[string][]time.Time),
	}
}

// Allow records one request for the session and reports whether it is
// within quota.
func (rl *RateLimiter) Allow(sessionID string) bool {
	return rl.AllowAt(sessionID, time.Now())
}

// AllowAt is Allow with an injectable clock.
func (rl *RateLimiter) AllowAt(sessionID string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-rl.window)
	kept := rl.history[sessionID][:0]
	for _, t := range rl.history[sessionID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= rl.limit {
		rl.history[sessionID] = kept
		return false
	}
	rl.history[sessionID] = append(kept, now)
	return true
}

// Forget drops the limiter state for a removed session.
func (rl *RateLimiter) Forget(sessionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, sessionID)
}

package router

import (
	"sync"
	"time"
)

// RateLimiter implements per-user fixed-window rate limiting
// ARCHITECTURAL DISCOVERY: Per-user state tracking with periodic cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	clients map[string]*ClientLimit
}

// ClientLimit tracks rate limiting for a single user
type ClientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter creates a limiter allowing limit messages per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		clients: make(map[string]*ClientLimit),
	}
}

// Allow records one message for userID and reports whether it is within the limit.
// A non-positive limit disables limiting.
func (rl *RateLimiter) Allow(userID string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	limit, exists := rl.clients[userID]
	if !exists {
		rl.clients[userID] = &ClientLimit{messageCount: 1, windowStart: now}
		return true
	}

	// FUNCTIONAL DISCOVERY: Window resets a full window after its first message
	if now.Sub(limit.windowStart) >= rl.window {
		limit.messageCount = 1
		limit.windowStart = now
		return true
	}

	if limit.messageCount >= rl.limit {
		return false
	}

	limit.messageCount++
	return true
}

// Cleanup removes entries idle for more than five windows and returns how
// many were removed.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for userID, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, userID)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of users with limiter state.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

package router

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RateLimiter is a fixed-window limiter keyed by caller (user id or address).
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clock   clock.Clock
	clients map[string]*clientWindow
}

type clientWindow struct {
	count int
	start time.Time
}

// NewRateLimiter allows limit messages per window for each user.
func NewRateLimiter(limit int, window time.Duration, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{
		limit:   limit,
		window:  window,
		clock:   clk,
		clients: make(map[string]*clientWindow),
	}
}

// Allow records one message for userID and reports whether it is within
// the limit. A non-positive limit disables limiting.
func (rl *RateLimiter) Allow(userID string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	w, ok := rl.clients[userID]
	if !ok || now.Sub(w.start) >= rl.window {
		rl.clients[userID] = &clientWindow{count: 1, start: now}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Cleanup drops windows idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for userID, w := range rl.clients {
		if now.Sub(w.start) > maxIdle {
			delete(rl.clients, userID)
		}
	}
}

// Run cleans up idle windows every interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := rl.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(5 * rl.window)
		case <-ctx.Done():
			return
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

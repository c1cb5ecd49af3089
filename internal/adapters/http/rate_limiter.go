package http

import (
	"slices"
	"sync"
	"time"
)

// RateLimiter bounds speech requests per client token within a sliding
// window. Tokens idle for a whole window are forgotten.
type RateLimiter struct {
	mu        sync.Mutex
	attempts  map[string][]time.Time
	limit     int
	window    time.Duration
	lastSweep time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:  make(map[string][]time.Time),
		limit:     limit,
		window:    window,
		lastSweep: time.Now(),
	}
}

// Allow records an attempt for token unless the window is full.
func (rl *RateLimiter) Allow(token string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)
	if now.Sub(rl.lastSweep) >= rl.window {
		rl.sweep(cutoff)
		rl.lastSweep = now
	}

	recent := expire(rl.attempts[token], cutoff)
	if len(recent) >= rl.limit {
		rl.attempts[token] = recent
		return false
	}
	rl.attempts[token] = append(recent, now)
	return true
}

// Tracked is the number of tokens with attempts on record.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.attempts)
}

func (rl *RateLimiter) sweep(cutoff time.Time) {
	for token, ts := range rl.attempts {
		if recent := expire(ts, cutoff); len(recent) == 0 {
			delete(rl.attempts, token)
		} else {
			rl.attempts[token] = recent
		}
	}
}

// expire drops attempts at or before cutoff; ts is in time order.
func expire(ts []time.Time, cutoff time.Time) []time.Time {
	i, _ := slices.BinarySearchFunc(ts, cutoff, func(t, c time.Time) int {
		if t.After(c) {
			return 1
		}
		return -1
	})
	return ts[i:]
}

package internal

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter keyed by caller (usually an IP).
// Keys whose window has drained are forgotten on the next sweep.
type RateLimiter struct {
	mu        sync.Mutex
	hits      map[string][]time.Time
	limit     int
	window    time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a hit for key and reports whether it is within the limit.
// A limiter with a non-positive limit allows everything.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	windowStart := now.Add(-r.window)
	slice := trimBefore(r.hits[key], windowStart)
	if len(slice) >= r.limit {
		r.hits[key] = slice
		return false
	}
	r.hits[key] = append(slice, now)
	if now.Sub(r.lastSweep) > r.window {
		r.sweepLocked(windowStart)
		r.lastSweep = now
	}
	return true
}

// Len reports how many keys are currently tracked.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hits)
}

func (r *RateLimiter) sweepLocked(windowStart time.Time) {
	for key, slice := range r.hits {
		slice = trimBefore(slice, windowStart)
		if len(slice) == 0 {
			delete(r.hits, key)
			continue
		}
		r.hits[key] = slice
	}
}

func trimBefore(slice []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for _, ts := range slice {
		if ts.After(cutoff) {
			slice[idx] = ts
			idx++
		}
	}
	return slice[:idx]
}

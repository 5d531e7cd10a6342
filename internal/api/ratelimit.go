package api

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter keyed by contractor. Keying by
// contractor rather than session keeps clients from resetting their budget
// with fresh session ids.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
	stop     chan struct{}
	once     sync.Once
}

// NewRateLimiter creates a limiter and starts its background eviction goroutine.
// A limit <= 0 disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if limit > 0 && window > 0 {
		rl.startEviction()
	}
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	if r.limit <= 0 || r.window <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := r.freshLocked(key, now.Add(-r.window))

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

func (r *RateLimiter) freshLocked(key string, cutoff time.Time) []time.Time {
	var fresh []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}

// Close stops the eviction goroutine.
func (r *RateLimiter) Close() {
	r.once.Do(func() { close(r.stop) })
}

// startEviction periodically removes expired keys from the requests map.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				r.evict()
			}
		}
	}()
}

func (r *RateLimiter) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	for key := range r.requests {
		fresh := r.freshLocked(key, cutoff)
		if len(fresh) == 0 {
			delete(r.requests, key)
		} else {
			r.requests[key] = fresh
		}
	}
}

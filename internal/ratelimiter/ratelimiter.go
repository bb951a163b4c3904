package ratelimiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per key (typically a sender IP).
//
// Datagram servers have no connection to hang a limiter on, so buckets are
// keyed by sender and created lazily on first sight. The number of tracked
// keys is bounded by maxKeys: when the table is full, buckets idle for longer
// than idleTTL are evicted, and if none are idle the oldest entry goes.
//
// Special cases:
//   - requestsPerSecond = 0: no limiting, Allow always returns true
//   - burst = 0: defaults to requestsPerSecond
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	maxKeys  int
	idleTTL  time.Duration
	buckets  map[string]*bucket
	disabled bool
	now      func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a per-key limiter.
//
// Parameters:
//   - requestsPerSecond: sustained rate per key
//   - burst: bucket capacity per key
//   - maxKeys: maximum number of tracked keys (0 means 4096)
func New(requestsPerSecond, burst uint, maxKeys int) *RateLimiter {
	if burst == 0 {
		burst = requestsPerSecond
	}
	if maxKeys <= 0 {
		maxKeys = 4096
	}

	return &RateLimiter{
		limit:    rate.Limit(requestsPerSecond),
		burst:    int(burst),
		maxKeys:  maxKeys,
		idleTTL:  time.Minute,
		buckets:  make(map[string]*bucket),
		disabled: requestsPerSecond == 0,
		now:      time.Now,
	}
}

// Allow consumes one token from the bucket of key.
//
// Returns false if the key has exhausted its bucket.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disabled {
		return true
	}

	now := r.now()
	return r.bucketLocked(key, now).limiter.AllowN(now, 1)
}

// Wait blocks until key may proceed or ctx is done. It returns an error if
// ctx ends first or its deadline is too close for a token to arrive.
func (r *RateLimiter) Wait(ctx context.Context, key string) error {
	r.mu.Lock()
	if r.disabled {
		r.mu.Unlock()
		return nil
	}
	limiter := r.bucketLocked(key, r.now()).limiter
	r.mu.Unlock()

	return limiter.Wait(ctx)
}

func (r *RateLimiter) bucketLocked(key string, now time.Time) *bucket {
	b, ok := r.buckets[key]
	if !ok {
		if len(r.buckets) >= r.maxKeys {
			r.evictLocked(now)
		}
		b = &bucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = b
	}
	b.lastSeen = now
	return b
}

// evictLocked drops idle buckets, or the least recently seen one if nothing is idle.
func (r *RateLimiter) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	evicted := false

	for k, b := range r.buckets {
		if now.Sub(b.lastSeen) > r.idleTTL {
			delete(r.buckets, k)
			evicted = true
			continue
		}
		if oldestKey == "" || b.lastSeen.Before(oldest) {
			oldestKey, oldest = k, b.lastSeen
		}
	}

	if !evicted && oldestKey != "" {
		delete(r.buckets, oldestKey)
	}
}

// SetLimit updates rate and burst for every existing and future bucket.
func (r *RateLimiter) SetLimit(requestsPerSecond, burst uint) {
	if burst == 0 {
		burst = requestsPerSecond
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.limit = rate.Limit(requestsPerSecond)
	r.burst = int(burst)
	r.disabled = requestsPerSecond == 0
	for _, b := range r.buckets {
		b.limiter.SetLimit(r.limit)
		b.limiter.SetBurst(r.burst)
	}
}

// Len returns the number of tracked keys.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

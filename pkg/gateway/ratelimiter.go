package gateway

import (
	"sync"
	"time"
)

// Default per-client limits for WebSocket requests
const (
	DefaultRequestsPerMinute = 120
	DefaultMaxConcurrent     = 4
)

// Rejection reasons returned by Acquire
const (
	reasonRateLimited   = "rate limit exceeded"
	reasonTooConcurrent = "too many concurrent requests"
)

// ClientRateLimiter implements sliding window rate limiting per client.
// Agent runs hold a concurrency slot for their whole duration.
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	inFlight          int
	now               func() time.Time
}

// NewClientRateLimiter creates a rate limiter with the default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultRequestsPerMinute, DefaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// Acquire admits one request. On success the caller must call Release.
// On failure it returns the RPC error code and reason.
func (r *ClientRateLimiter) Acquire() (bool, int, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return false, TooManyConcurrent, reasonTooConcurrent
	}

	now := r.now()
	r.prune(now)
	if len(r.requests) >= r.requestsPerMinute {
		return false, RateLimitExceeded, reasonRateLimited
	}

	r.requests = append(r.requests, now)
	r.inFlight++
	return true, 0, ""
}

// Release frees the concurrency slot taken by Acquire
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight > 0 {
		r.inFlight--
	}
}

// GetStats returns the requests in the current window and those in flight
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return len(r.requests), r.inFlight
}

// prune drops requests older than one minute. Caller holds mu.
func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.requests = kept
}

package gateway

import (
	"errors"
	"sync"
	"time"
)

// Default per-client limits.
const (
	DefaultRequestsPerMinute = 60
	DefaultMaxConcurrent     = 4
)

var (
	// ErrRateLimited is returned when a client exceeded its requests per minute.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTooManyConcurrent is returned when a client has too many runs in flight.
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
)

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                 sync.Mutex
	requestsPerMinute  int
	maxConcurrent      int
	requests           []time.Time
	concurrentRequests int
	now                func() time.Time
}

// NewClientRateLimiter creates a rate limiter. Non-positive limits fall
// back to the defaults.
func NewClientRateLimiter(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// Acquire admits one request. The returned release must be called when the
// request finishes; calling it more than once is harmless.
func (r *ClientRateLimiter) Acquire() (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests >= r.maxConcurrent {
		return nil, ErrTooManyConcurrent
	}
	now := r.now()
	r.prune(now)
	if len(r.requests) >= r.requestsPerMinute {
		return nil, ErrRateLimited
	}

	r.requests = append(r.requests, now)
	r.concurrentRequests++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.concurrentRequests > 0 {
				r.concurrentRequests--
			}
			r.mu.Unlock()
		})
	}, nil
}

// prune drops requests older than one minute. Callers hold r.mu.
func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	valid := r.requests[:0]
	for _, reqTime := range r.requests {
		if reqTime.After(cutoff) {
			valid = append(valid, reqTime)
		}
	}
	r.requests = valid
}

// GetStats returns current rate limiter statistics
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return len(r.requests), r.concurrentRequests
}

// idle reports whether the limiter holds no state worth keeping.
func (r *ClientRateLimiter) idle() bool {
	count, concurrent := r.GetStats()
	return count == 0 && concurrent == 0
}

// RateLimiterSet hands out one limiter per client key. HTTP requests are
// keyed by remote IP; WebSocket connections own their limiter directly.
type RateLimiterSet struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	limiters          map[string]*ClientRateLimiter
}

// NewRateLimiterSet creates an empty set with the given per-client limits.
func NewRateLimiterSet(requestsPerMinute, maxConcurrent int) *RateLimiterSet {
	return &RateLimiterSet{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		limiters:          make(map[string]*ClientRateLimiter),
	}
}

// Get returns the limiter for key, creating it on first use.
func (s *RateLimiterSet) Get(key string) *ClientRateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.limiters[key]
	if !ok {
		limiter = NewClientRateLimiter(s.requestsPerMinute, s.maxConcurrent)
		s.limiters[key] = limiter
	}
	return limiter
}

// New returns a fresh limiter with the set's limits that is not tracked.
func (s *RateLimiterSet) New() *ClientRateLimiter {
	return NewClientRateLimiter(s.requestsPerMinute, s.maxConcurrent)
}

// Prune forgets limiters with no recent or running requests and returns
// how many were removed.
func (s *RateLimiterSet) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, limiter := range s.limiters {
		if limiter.idle() {
			delete(s.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (s *RateLimiterSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

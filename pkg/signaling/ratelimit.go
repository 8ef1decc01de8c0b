package signaling

import (
	"sync"
	"time"
)

// peerLimiter bounds one connection's request rate over a sliding one
// minute window and its number of requests in flight. A zero limit disables
// that check.
type peerLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	maxConcurrent     int
	requests          []time.Time
	inFlight          int
	now               func() time.Time
}

func newPeerLimiter(requestsPerMinute, maxConcurrent int) *peerLimiter {
	return &peerLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		now:               time.Now,
	}
}

// acquire admits a request and counts it in flight, or returns the reason it
// was refused. Admitted requests must be released.
func (l *peerLimiter) acquire() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxConcurrent > 0 && l.inFlight >= l.maxConcurrent {
		return false, "too many concurrent requests"
	}

	now := l.now()
	if l.requestsPerMinute > 0 {
		l.expire(now)
		if len(l.requests) >= l.requestsPerMinute {
			return false, "rate limit exceeded"
		}
		l.requests = append(l.requests, now)
	}

	l.inFlight++
	return true, ""
}

func (l *peerLimiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight > 0 {
		l.inFlight--
	}
}

// stats returns the requests counted in the current window and those in flight
func (l *peerLimiter) stats() (windowCount, inFlight int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.expire(l.now())
	return len(l.requests), l.inFlight
}

// expire drops requests older than one minute. Requests are appended in
// time order, so the kept ones are a suffix.
func (l *peerLimiter) expire(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(l.requests) && !l.requests[i].After(cutoff) {
		i++
	}
	l.requests = l.requests[i:]
}

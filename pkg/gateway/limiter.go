package gateway

import (
	"sync"
	"time"
)

const (
	defaultRequestsPerMinute = 60
	defaultMaxInFlight       = 10
)

// RequestLimiter meters one client's RPCs with a token bucket refilled at
// requestsPerMinute and caps how many of them run at once. A long agent.prompt
// holds its in-flight slot until the run ends.
type RequestLimiter struct {
	mu          sync.Mutex
	perSecond   float64
	burst       float64
	tokens      float64
	last        time.Time
	inFlight    int
	maxInFlight int
	now         func() time.Time
}

// NewRequestLimiter creates a limiter with a full bucket. Non-positive values
// select the defaults.
func NewRequestLimiter(requestsPerMinute, maxInFlight int) *RequestLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = defaultRequestsPerMinute
	}
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	l := &RequestLimiter{
		perSecond:   float64(requestsPerMinute) / 60,
		burst:       float64(requestsPerMinute),
		tokens:      float64(requestsPerMinute),
		maxInFlight: maxInFlight,
		now:         time.Now,
	}
	l.last = l.now()
	return l
}

// Acquire takes a token and an in-flight slot. On success the returned release
// must be called when the request finishes; calling it twice is harmless.
func (l *RequestLimiter) Acquire() (release func(), err *RPCError) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight >= l.maxInFlight {
		return nil, &RPCError{Code: TooManyConcurrent, Message: "too many concurrent requests"}
	}
	l.refill()
	if l.tokens < 1 {
		return nil, &RPCError{Code: RateLimitExceeded, Message: "rate limit exceeded"}
	}

	l.tokens--
	l.inFlight++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.inFlight--
			l.mu.Unlock()
		})
	}, nil
}

// InFlight returns the number of unreleased requests.
func (l *RequestLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// refill adds tokens for the time since the last refill. Callers hold mu.
func (l *RequestLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	l.last = now
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.perSecond
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
}

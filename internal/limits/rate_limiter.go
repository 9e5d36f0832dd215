// Package limits contains inbound traffic protections. One client must
// not be able to starve the worker pool or flood the bus.
package limits

import (
	"sync"

	"golang.org/x/time/rate"
)

// MessageRateLimiter enforces a per-connection token bucket on inbound
// frames. Over-limit frames are dropped by the caller; the connection
// itself stays up, since a burst is more often a client bug than abuse.
type MessageRateLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

// NewMessageRateLimiter creates a limiter allowing perSec sustained
// frames per second with the given burst, per connection.
func NewMessageRateLimiter(perSec, burst int) *MessageRateLimiter {
	return &MessageRateLimiter{
		limiters: make(map[int64]*rate.Limiter),
		perSec:   rate.Limit(perSec),
		burst:    burst,
	}
}

// Allow reports whether the connection identified by connID may submit
// one more frame right now.
func (l *MessageRateLimiter) Allow(connID int64) bool {
	l.mu.Lock()
	lim, ok := l.limiters[connID]
	if !ok {
		lim = rate.NewLimiter(l.perSec, l.burst)
		l.limiters[connID] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}

// Remove drops the limiter state for a closed connection.
func (l *MessageRateLimiter) Remove(connID int64) {
	l.mu.Lock()
	delete(l.limiters, connID)
	l.mu.Unlock()
}

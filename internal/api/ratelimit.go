package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ownerLimiter rate-limits job submissions per owner. Limiters for
// inactive owners are evicted periodically so the map stays bounded.
type ownerLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*ownerEntry
}

type ownerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newOwnerLimiter(perMinute, burst int) *ownerLimiter {
	if perMinute < 1 {
		perMinute = 10
	}
	if burst < 1 {
		burst = perMinute
	}
	return &ownerLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		limiters: make(map[string]*ownerEntry),
	}
}

// Allow reports whether the owner may submit another job right now.
func (l *ownerLimiter) Allow(ownerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[ownerID]
	if !ok {
		e = &ownerEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ownerID] = e
	}
	e.lastSeen = time.Now()

	if len(l.limiters) > 10_000 {
		l.evictLocked()
	}
	return e.limiter.Allow()
}

// evictLocked drops limiters idle for more than an hour.
func (l *ownerLimiter) evictLocked() {
	cutoff := time.Now().Add(-time.Hour)
	for owner, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, owner)
		}
	}
}

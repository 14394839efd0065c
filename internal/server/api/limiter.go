package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SessionLimiter keeps one token bucket per enrollment session.
type SessionLimiter struct {
	mu      sync.Mutex
	bucket  map[string]*limiterEntry
	rate    rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSessionLimiter allows perSecond frames per session with the given
// burst. Buckets idle longer than idleTTL are dropped by Sweep.
func NewSessionLimiter(perSecond float64, burst int, idleTTL time.Duration) *SessionLimiter {
	if burst < 1 {
		burst = 1
	}
	return &SessionLimiter{
		bucket:  make(map[string]*limiterEntry),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// Allow consumes a token of key's bucket. A nil limiter allows everything.
func (l *SessionLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.bucket[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.bucket[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Sweep drops idle buckets and returns how many were removed.
func (l *SessionLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idleTTL)
	removed := 0
	for key, e := range l.bucket {
		if e.lastSeen.Before(cutoff) {
			delete(l.bucket, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked sessions.
func (l *SessionLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.bucket)
}

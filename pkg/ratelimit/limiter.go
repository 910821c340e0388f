// Package ratelimit counts requests per app and caller over a fixed
// window. Redis keeps the counters shared across gateway replicas and
// an in-memory limiter covers single-node and degraded operation.
package ratelimit

import (
	"sync"
	"time"
)

// KeyFor scopes a counter to one app and one caller address, so a
// burst against one tenant never throttles another.
func KeyFor(appSlug, remoteIP string) string {
	return appSlug + ":" + remoteIP
}

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// decide folds a raw counter value into a Decision.
func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

type bucket struct {
	count   int
	resetAt time.Time
}

type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]bucket
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		buckets: make(map[string]bucket),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, k)
		}
	}
	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = bucket{resetAt: now.Add(l.window)}
	}
	b.count++
	l.buckets[key] = b

	return decide(b.count, limit, b.resetAt)
}

// Package ratelimit provides per-requester token buckets shared by every
// persona. Refill is computed lazily at check time; no background timer.
package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter admits at most capacity requests per requester burst, refilling
// at refill tokens per second. Buckets are created on first sight of a
// requester and never expire; the requester set is small and long-lived,
// so the unbounded map is an accepted tradeoff.
type Limiter struct {
	capacity float64
	refill   float64

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func New(capacity int, refillPerSecond float64) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		capacity: float64(capacity),
		refill:   refillPerSecond,
		buckets:  make(map[string]*bucket),
		now:      time.Now,
	}
}

// Allow consumes one token for requester, reporting whether the request
// is admitted. Tokens never exceed capacity no matter how long a
// requester has been idle, and never go negative.
func (l *Limiter) Allow(requester string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[requester]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: now}
		l.buckets[requester] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.lastRefill = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Tokens reports the current token count for requester, refilled to now.
// Mostly useful for tests and debugging.
func (l *Limiter) Tokens(requester string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[requester]
	if !ok {
		return l.capacity
	}
	tokens := b.tokens + l.now().Sub(b.lastRefill).Seconds()*l.refill
	if tokens > l.capacity {
		tokens = l.capacity
	}
	return tokens
}

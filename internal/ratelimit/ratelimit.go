// Package ratelimit provides token-bucket limiting keyed by an arbitrary string,
// usually the source IP of a datagram.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	if elapsed := now.Sub(tb.lastRefill); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// refund returns a token taken by Allow.
func (tb *TokenBucket) refund() {
	tb.mu.Lock()
	if tb.tokens+1 <= tb.capacity {
		tb.tokens++
	}
	tb.mu.Unlock()
}

type keyed struct {
	bucket   *TokenBucket
	lastUsed time.Time
}

// Limiter applies an optional global bucket and one bucket per key.
// A zero rate disables that layer.
type Limiter struct {
	mu      sync.Mutex
	global  *TokenBucket
	perKey  map[string]*keyed
	keyRate int
	burst   int
	now     func() time.Time
}

// NewLimiter creates a limiter allowing globalRate/s overall and keyRate/s per
// key, each with the given burst.
func NewLimiter(globalRate, keyRate, burst int) *Limiter {
	return newLimiter(globalRate, keyRate, burst, time.Now)
}

func newLimiter(globalRate, keyRate, burst int, now func() time.Time) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		perKey:  make(map[string]*keyed),
		keyRate: keyRate,
		burst:   burst,
		now:     now,
	}
	if globalRate > 0 {
		l.global = newTokenBucket(globalRate, burst, now)
	}
	return l
}

// Allow reports whether one more event from key fits both limits. A key over
// its own limit does not spend the global budget.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}

	var k *keyed
	if l.keyRate > 0 {
		l.mu.Lock()
		var ok bool
		k, ok = l.perKey[key]
		if !ok {
			k = &keyed{bucket: newTokenBucket(l.keyRate, l.burst, l.now)}
			l.perKey[key] = k
		}
		k.lastUsed = l.now()
		l.mu.Unlock()

		if !k.bucket.Allow() {
			return false
		}
	}

	if l.global != nil && !l.global.Allow() {
		if k != nil {
			k.bucket.refund()
		}
		return false
	}
	return true
}

// Prune drops keys idle for longer than idle and returns how many were removed.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for key, k := range l.perKey {
		if k.lastUsed.Before(cutoff) {
			delete(l.perKey, key)
			removed++
		}
	}
	return removed
}

// Len is the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perKey)
}
